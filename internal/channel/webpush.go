package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/oklog/ulid/v2"

	"github.com/nudgeops/nudged/pkg/cerr"
)

// WebPushSender delivers reminders as Web Push notifications. It is
// the one sender shipped with the engine; the other channels are
// provided by deployment-specific adapters.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
}

func NewWebPushSender(publicKey, privateKey, subscriber string) *WebPushSender {
	return &WebPushSender{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
	}
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *WebPushSender) Send(ctx context.Context, to Recipient, msg Message) (Result, error) {
	if to.OptedOut {
		return Result{}, cerr.NewError(cerr.Permanent, "recipient opted out", nil)
	}
	if to.PushSub == nil || to.PushSub.Endpoint == "" {
		return Result{}, cerr.NewError(cerr.Permanent, "recipient has no push subscription", nil)
	}
	if s.publicKey == "" || s.privateKey == "" {
		return Result{}, cerr.NewError(cerr.Configuration, "VAPID keys not configured", nil)
	}

	data, err := json.Marshal(pushPayload{
		Title: msg.Subject,
		Body:  msg.Body,
	})
	if err != nil {
		return Result{}, cerr.NewError(cerr.Internal, "failed to marshal push payload", err)
	}

	sub := &webpush.Subscription{
		Endpoint: to.PushSub.Endpoint,
		Keys: webpush.Keys{
			P256dh: to.PushSub.P256dhKey,
			Auth:   to.PushSub.AuthKey,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, data, sub, &webpush.Options{
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		Subscriber:      s.subscriber,
		TTL:             86400,
	})
	if err != nil {
		return Result{}, cerr.NewError(cerr.Transient, "push send failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// The subscription no longer exists; retrying cannot help.
		return Result{}, cerr.NewError(cerr.Permanent, "push subscription expired", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, cerr.NewError(cerr.Transient, "push provider rate limited", nil)
	case resp.StatusCode >= 500:
		return Result{}, cerr.NewError(cerr.Transient, fmt.Sprintf("push provider returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return Result{}, cerr.NewError(cerr.Permanent, fmt.Sprintf("push provider rejected request with %d", resp.StatusCode), nil)
	}
	return Result{DeliveryID: ulid.Make().String()}, nil
}
