package engine

import (
	"time"

	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/internal/reconcile"
	"github.com/nudgeops/nudged/internal/workitem"
)

// Action is what the state machine asks the engine to do for an item
// in this evaluation cycle.
type Action int

const (
	// ActionNone leaves the item untouched.
	ActionNone Action = iota
	// ActionCommit persists reconciliation changes (response
	// detected or cycle reset) without dispatching.
	ActionCommit
	// ActionDispatch sends the next stage's reminder and advances.
	ActionDispatch
)

// Decision is one state-machine transition.
type Decision struct {
	Action Action
	// Stage is the stage being entered when Action is ActionDispatch.
	Stage int
	// Channels to send through; the first is the primary, the rest
	// are best-effort.
	Channels []channel.Channel
	Reason   string
}

// Decide computes the transition for one item given the already-run
// reconciliation result. It is pure: all clock and calendar reasoning
// is delegated to the policy evaluator.
func Decide(item *workitem.WorkItem, pol *policy.Policy, now time.Time, recon reconcile.Result) Decision {
	if recon.ResponseDetected || recon.CycleReset {
		reason := "response detected"
		if recon.CycleReset {
			reason = "fresh activity reopened cycle"
		}
		return Decision{Action: ActionCommit, Reason: reason}
	}
	if recon.Degraded && pol.OracleFailMode == policy.FailClosed {
		return Decision{Action: ActionNone, Reason: "activity check failed and policy is fail-closed"}
	}

	v := policy.Evaluate(item, pol, now)
	if !v.Eligible {
		return Decision{Action: ActionNone, Reason: v.Reason}
	}

	next := item.Reminder.Stage + 1
	return Decision{
		Action:   ActionDispatch,
		Stage:    next,
		Channels: pol.ChannelsFor(next),
		Reason:   v.Reason,
	}
}
