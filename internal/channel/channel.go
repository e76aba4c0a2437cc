package channel

import (
	"context"
)

// Channel identifies one notification transport.
type Channel string

const (
	// Comment is a lightweight in-context comment on the tracked item.
	Comment  Channel = "comment"
	Email    Channel = "email"
	SMS      Channel = "sms"
	WhatsApp Channel = "whatsapp"
	Push     Channel = "push"
)

// All lists every channel the dispatcher knows how to route.
var All = []Channel{Comment, Email, SMS, WhatsApp, Push}

func (c Channel) Valid() bool {
	switch c {
	case Comment, Email, SMS, WhatsApp, Push:
		return true
	}
	return false
}

// PushSubscription is a Web Push endpoint registration.
type PushSubscription struct {
	Endpoint  string `yaml:"endpoint"`
	P256dhKey string `yaml:"p256dh_key"`
	AuthKey   string `yaml:"auth_key"`
}

// Recipient carries every address a contact may have; each sender
// picks the one it needs and rejects recipients that lack it.
type Recipient struct {
	Name     string            `yaml:"name"`
	Handle   string            `yaml:"handle,omitempty"`
	Email    string            `yaml:"email,omitempty"`
	Phone    string            `yaml:"phone,omitempty"`
	PushSub  *PushSubscription `yaml:"push_sub,omitempty"`
	OptedOut bool              `yaml:"opted_out,omitempty"`
}

// Message is a rendered notification. Subject is empty for channels
// that have no subject line.
type Message struct {
	Subject string
	Body    string
}

// Result reports a successful delivery.
type Result struct {
	DeliveryID string
}

// Sender delivers one message through one channel. Implementations
// wrap provider SDKs and classify their failures with cerr codes:
// cerr.Transient for failures worth retrying, cerr.Permanent for
// failures that retrying cannot fix.
type Sender interface {
	Send(ctx context.Context, to Recipient, msg Message) (Result, error)
}
