package workitem

import (
	"time"

	"github.com/nudgeops/nudged/internal/channel"
)

// Phase is the tagged reminder state:
//
//	Idle -> Stage(1) -> ... -> Stage(maxStages) -> MaxReached
//
// Any active phase moves to Responded when a response is observed, and
// Responded, Paused, or MaxReached move back to Idle when fresh
// activity opens a new cycle. Representing the phase explicitly keeps
// combinations like "responded while mid-stage" unrepresentable.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStage      Phase = "stage"
	PhaseResponded  Phase = "responded"
	PhasePaused     Phase = "paused"
	PhaseMaxReached Phase = "max_reached"
)

func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseStage, PhaseResponded, PhasePaused, PhaseMaxReached:
		return true
	}
	return false
}

// EffectivePhase resolves the phase a ReminderState is in at now,
// accounting for an expired pause window and the configured stage
// ceiling.
func (r *ReminderState) EffectivePhase(now time.Time, maxStages int) Phase {
	switch {
	case r.Phase == PhaseResponded:
		return PhaseResponded
	case r.Paused(now):
		return PhasePaused
	case r.Stage >= maxStages:
		return PhaseMaxReached
	case r.Stage > 0:
		return PhaseStage
	default:
		return PhaseIdle
	}
}

// Pause suspends escalation until the given time.
func (r *ReminderState) Pause(until time.Time, reason string) {
	r.Phase = PhasePaused
	r.PausedUntil = &until
	r.PauseReason = reason
}

// MarkResponded closes the current cycle at the given time.
func (r *ReminderState) MarkResponded(at time.Time) {
	r.Phase = PhaseResponded
	r.ResponseAt = &at
}

// Advance records a successfully dispatched reminder.
func (r *ReminderState) Advance(at time.Time, used channel.Channel, maxStages int) {
	r.Stage++
	t := at
	r.LastReminderAt = &t
	r.LastChannel = used
	r.Stats.RemindersSent++
	if r.Stage >= maxStages {
		r.Phase = PhaseMaxReached
	} else {
		r.Phase = PhaseStage
	}
}
