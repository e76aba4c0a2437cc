package audit

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nudgeops/nudged/internal/channel"
)

// Kind distinguishes the record types on the trail.
type Kind string

const (
	// KindDecision records one state-machine decision for an item.
	KindDecision Kind = "decision"
	// KindAttempt records one notification send attempt.
	KindAttempt Kind = "attempt"
	// KindDegraded records an oracle check that could not complete.
	KindDegraded Kind = "degraded"
)

// Outcome is the result of the decision or attempt.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeDelivered  Outcome = "delivered"
	OutcomeRetrying   Outcome = "retrying"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeResponded  Outcome = "responded"
	OutcomeReset      Outcome = "reset"
	OutcomeMaxReached Outcome = "max_reached"
	OutcomeArchived   Outcome = "archived"
)

// Entry is one immutable record on the audit trail. Entries are
// created by the engine, never mutated, and never deleted by the
// engine itself.
type Entry struct {
	ID         string          `yaml:"id" json:"id"`
	Time       time.Time       `yaml:"time" json:"time"`
	ItemID     string          `yaml:"item_id" json:"item_id"`
	Kind       Kind            `yaml:"kind" json:"kind"`
	Outcome    Outcome         `yaml:"outcome" json:"outcome"`
	Stage      int             `yaml:"stage,omitempty" json:"stage,omitempty"`
	Channel    channel.Channel `yaml:"channel,omitempty" json:"channel,omitempty"`
	Recipient  string          `yaml:"recipient,omitempty" json:"recipient,omitempty"`
	Attempt    int             `yaml:"attempt,omitempty" json:"attempt,omitempty"`
	DeliveryID string          `yaml:"delivery_id,omitempty" json:"delivery_id,omitempty"`
	Reason     string          `yaml:"reason,omitempty" json:"reason,omitempty"`
	Error      string          `yaml:"error,omitempty" json:"error,omitempty"`
}

// NewEntry stamps identity and time onto an entry.
func NewEntry(now time.Time, itemID string, kind Kind, outcome Outcome) *Entry {
	return &Entry{
		ID:      ulid.Make().String(),
		Time:    now,
		ItemID:  itemID,
		Kind:    kind,
		Outcome: outcome,
	}
}
