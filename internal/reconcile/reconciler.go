package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/internal/workitem"
	"github.com/nudgeops/nudged/pkg/cerr"
)

// ActivityEvent is one piece of response evidence from the oracle.
type ActivityEvent struct {
	ID     string
	ItemID string
	Kind   string
	Actor  string
	At     time.Time
}

// Oracle is the external source of truth for assignee engagement.
type Oracle interface {
	ActivitySince(ctx context.Context, itemID string, since time.Time) ([]ActivityEvent, error)
	HasRecentActivity(ctx context.Context, itemID string, hoursThreshold int) (bool, error)
}

// Result reports what reconciliation observed and applied.
type Result struct {
	// ResponseDetected is true when activity closed the current cycle.
	ResponseDetected bool
	// CycleReset is true when fresh activity after a closed cycle
	// reopened the item (back to Idle, stage 0).
	CycleReset bool
	// Degraded is true when the oracle could not be reached. The
	// policy's fail mode decides whether evaluation proceeds.
	Degraded bool
	// Latency is the observed response latency when ResponseDetected.
	Latency time.Duration
}

// Reconciler checks the activity oracle before eligibility is
// evaluated and folds any evidence into the item's reminder state.
// The caller persists the mutated item.
type Reconciler struct {
	oracle Oracle
}

func New(oracle Oracle) *Reconciler {
	return &Reconciler{oracle: oracle}
}

// Reconcile queries the oracle for events since the last reminder
// (bounded lookback, capped at the policy's sync interval) and
// updates the item in place.
//
// An unreachable oracle must not silently read as "no activity" and
// block escalation forever, nor as a response: it is reported as
// Degraded and the policy's explicit fail mode decides what happens.
func (r *Reconciler) Reconcile(ctx context.Context, item *workitem.WorkItem, pol *policy.Policy, now time.Time) (Result, error) {
	if r.oracle == nil {
		return Result{Degraded: true}, cerr.NewError(cerr.OracleUnavailable, "no activity oracle configured", nil)
	}

	since := now.Add(-pol.LookbackMax)
	if last := item.Reminder.LastReminderAt; last != nil && last.After(since) {
		since = *last
	}

	events, err := r.oracle.ActivitySince(ctx, item.ID, since)
	if err != nil {
		slog.Warn("activity check degraded", "item_id", item.ID, "fail_mode", string(pol.OracleFailMode), "error", err)
		return Result{Degraded: true}, cerr.NewError(cerr.OracleUnavailable, "activity oracle unreachable", err)
	}

	latest := latestEventAt(events)
	if latest.IsZero() {
		return Result{}, nil
	}
	if latest.After(item.LastActivityAt) {
		item.LastActivityAt = latest
	}

	if item.Reminder.HasResponse() {
		// A closed cycle reopens only on activity strictly newer than
		// the recorded response.
		if item.Reminder.ResponseAt != nil && latest.After(*item.Reminder.ResponseAt) {
			item.Reminder.Reset()
			return Result{CycleReset: true}, nil
		}
		return Result{}, nil
	}

	// A response only exists relative to an outstanding reminder.
	// Activity on a never-reminded item just refreshes LastActivityAt;
	// closing the cycle here would leave the item Responded before
	// stage 1 ever fired.
	last := item.Reminder.LastReminderAt
	if last == nil {
		return Result{}, nil
	}

	res := Result{ResponseDetected: true, Latency: now.Sub(*last)}
	item.Reminder.Stats.RecordResponse(res.Latency)
	item.Reminder.MarkResponded(now)
	return res, nil
}

func latestEventAt(events []ActivityEvent) time.Time {
	var latest time.Time
	for _, e := range events {
		if e.At.After(latest) {
			latest = e.At
		}
	}
	return latest
}
