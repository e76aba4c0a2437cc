package policy

import (
	"fmt"
	"time"

	"github.com/nudgeops/nudged/internal/workitem"
)

// Verdict explains an eligibility decision for the audit trail.
type Verdict struct {
	Eligible bool
	Reason   string
}

func verdict(eligible bool, reason string) Verdict {
	return Verdict{Eligible: eligible, Reason: reason}
}

// Evaluate is the pure eligibility predicate: given an item, a policy
// snapshot, and now, it decides whether the next escalation stage may
// fire. It performs no I/O and owns all calendar logic; the state
// machine and scheduler never re-implement these rules.
func Evaluate(item *workitem.WorkItem, p *Policy, now time.Time) Verdict {
	if item.Closed || !item.Active || item.Archived {
		return verdict(false, "item is closed or inactive")
	}
	if item.Reminder.HasResponse() {
		return verdict(false, "cycle closed by response")
	}
	if item.Reminder.Paused(now) {
		return verdict(false, fmt.Sprintf("paused until %s", item.Reminder.PausedUntil.Format(time.RFC3339)))
	}
	// Urgent items always escalate through weekends; the override flag
	// additionally waives the weekend block for non-urgent items.
	if p.IsWeekend(now) && !(item.Reminder.Urgent || p.AllowUrgentOverride) {
		return verdict(false, "weekend")
	}
	if item.Reminder.Stage >= p.MaxStages {
		return verdict(false, "max stages reached")
	}
	if last := item.Reminder.LastReminderAt; last != nil {
		if now.Sub(*last) < p.MinReminderInterval {
			return verdict(false, fmt.Sprintf("last reminder %s ago, minimum interval is %s", now.Sub(*last).Round(time.Second), p.MinReminderInterval))
		}
	} else {
		// First reminder of the cycle: hold until the next stage's
		// trigger time has passed today.
		at, ok := p.TriggerTimeOn(now, item.Reminder.Stage+1)
		if !ok {
			return verdict(false, fmt.Sprintf("no trigger configured for stage %d", item.Reminder.Stage+1))
		}
		if now.Before(at) {
			return verdict(false, fmt.Sprintf("stage %d trigger time %s not reached", item.Reminder.Stage+1, at.Format("15:04")))
		}
	}
	return verdict(true, fmt.Sprintf("stage %d due", item.Reminder.Stage+1))
}
