package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nudgeops/nudged/internal/audit"
	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/dispatch"
	"github.com/nudgeops/nudged/internal/eventbus"
	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/internal/reconcile"
	"github.com/nudgeops/nudged/internal/template"
	"github.com/nudgeops/nudged/internal/workitem"
	"github.com/nudgeops/nudged/pkg/cerr"
)

// Engine evaluates one work item at a time: reconcile external
// activity, run the policy evaluator, apply the state-machine
// decision, dispatch if due, and commit the mutated item. It is
// constructed once at process start and carries no global state.
type Engine struct {
	repo       workitem.Repository
	reconciler *reconcile.Reconciler
	senders    map[channel.Channel]channel.Sender
	renderer   template.Renderer
	sink       audit.Sink
	bus        *eventbus.Bus
	now        func() time.Time

	// inflight is the per-item lease: an item held here is being
	// evaluated by another pass and is skipped this cycle.
	inflight sync.Map
}

func New(
	repo workitem.Repository,
	reconciler *reconcile.Reconciler,
	senders map[channel.Channel]channel.Sender,
	renderer template.Renderer,
	sink audit.Sink,
	bus *eventbus.Bus,
) *Engine {
	return &Engine{
		repo:       repo,
		reconciler: reconciler,
		senders:    senders,
		renderer:   renderer,
		sink:       sink,
		bus:        bus,
		now:        time.Now,
	}
}

// SetClock overrides the engine clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ProcessItem runs one evaluation cycle for one item. Failures are
// isolated at the item boundary: a returned error never means other
// items should stop. A StateConflict (another pass holds the item's
// lease) is skipped silently.
func (e *Engine) ProcessItem(ctx context.Context, itemID string, pol *policy.Policy) error {
	if _, loaded := e.inflight.LoadOrStore(itemID, struct{}{}); loaded {
		slog.Debug("item already being evaluated, skipping", "item_id", itemID, "code", cerr.StateConflict.String())
		return nil
	}
	defer e.inflight.Delete(itemID)

	item, err := e.repo.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load item %s: %w", itemID, err)
	}

	now := e.now()

	if item.Closed && !item.Archived {
		return e.archive(ctx, item, now)
	}

	recon, reconErr := e.reconciler.Reconcile(ctx, item, pol, now)
	if recon.Degraded {
		entry := audit.NewEntry(now, item.ID, audit.KindDegraded, audit.OutcomeSkipped)
		entry.Stage = item.Reminder.Stage
		entry.Reason = "activity oracle unreachable"
		if reconErr != nil {
			entry.Error = reconErr.Error()
		}
		e.appendAudit(ctx, entry)
	}

	decision := Decide(item, pol, now, recon)
	switch decision.Action {
	case ActionNone:
		slog.Debug("no transition", "item_id", item.ID, "stage", item.Reminder.Stage, "reason", decision.Reason)
		return nil
	case ActionCommit:
		return e.commitReconciliation(ctx, item, now, recon, decision)
	case ActionDispatch:
		return e.dispatchStage(ctx, item, pol, now, decision)
	default:
		return cerr.NewError(cerr.Internal, fmt.Sprintf("unknown action %d", decision.Action), nil)
	}
}

func (e *Engine) archive(ctx context.Context, item *workitem.WorkItem, now time.Time) error {
	item.Archived = true
	item.Active = false
	item.UpdatedAt = now
	if err := e.repo.Update(ctx, item); err != nil {
		return fmt.Errorf("failed to archive item %s: %w", item.ID, err)
	}
	entry := audit.NewEntry(now, item.ID, audit.KindDecision, audit.OutcomeArchived)
	entry.Reason = "closed by tracking system"
	e.appendAudit(ctx, entry)
	e.bus.PublishNew(eventbus.TypeItemArchived, item.ID, nil)
	slog.Info("item archived", "item_id", item.ID)
	return nil
}

func (e *Engine) commitReconciliation(ctx context.Context, item *workitem.WorkItem, now time.Time, recon reconcile.Result, decision Decision) error {
	item.UpdatedAt = now
	if err := e.repo.Update(ctx, item); err != nil {
		return fmt.Errorf("failed to commit reconciliation for item %s: %w", item.ID, err)
	}

	outcome := audit.OutcomeResponded
	eventType := eventbus.TypeResponseDetected
	if recon.CycleReset {
		outcome = audit.OutcomeReset
		eventType = eventbus.TypeCycleReset
	}
	entry := audit.NewEntry(now, item.ID, audit.KindDecision, outcome)
	entry.Stage = item.Reminder.Stage
	entry.Reason = decision.Reason
	e.appendAudit(ctx, entry)

	meta := map[string]string{}
	if recon.ResponseDetected && recon.Latency > 0 {
		meta["latency"] = recon.Latency.String()
	}
	e.bus.PublishNew(eventType, item.ID, meta)
	slog.Info("reconciliation committed", "item_id", item.ID, "outcome", string(outcome))
	return nil
}

func (e *Engine) dispatchStage(ctx context.Context, item *workitem.WorkItem, pol *policy.Policy, now time.Time, decision Decision) error {
	// Optimistic re-check right before committing to a send: another
	// writer (a concurrent trigger in another process) may already
	// have advanced the item.
	fresh, err := e.repo.Get(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("failed to re-read item %s: %w", item.ID, err)
	}
	if fresh.Reminder.Stage != item.Reminder.Stage || !timesEqual(fresh.Reminder.LastReminderAt, item.Reminder.LastReminderAt) {
		slog.Debug("item advanced by another writer, skipping dispatch", "item_id", item.ID)
		return nil
	}

	primary := decision.Channels[0]
	primaryReqs := e.buildRequests(ctx, item, decision.Stage, primary, now)
	if len(primaryReqs) == 0 {
		entry := audit.NewEntry(now, item.ID, audit.KindDecision, audit.OutcomeFailed)
		entry.Stage = decision.Stage
		entry.Channel = primary
		entry.Reason = fmt.Sprintf("no assignee reachable via %s", primary)
		e.appendAudit(ctx, entry)
		return cerr.NewError(cerr.Permanent, fmt.Sprintf("item %s has no recipient for channel %s", item.ID, primary), nil)
	}

	dispatcher := dispatch.New(e.senders, dispatch.NewRetryTable(pol.Dispatch), pol.Dispatch, e.sink)
	delivered := false
	var lastErr error
	for _, res := range dispatcher.DispatchBulk(ctx, primaryReqs) {
		if res.Err == nil {
			delivered = true
		} else {
			lastErr = res.Err
		}
	}
	if !delivered {
		entry := audit.NewEntry(now, item.ID, audit.KindDecision, audit.OutcomeFailed)
		entry.Stage = decision.Stage
		entry.Channel = primary
		entry.Reason = "all primary sends failed"
		if lastErr != nil {
			entry.Error = lastErr.Error()
		}
		e.appendAudit(ctx, entry)
		return fmt.Errorf("stage %d dispatch failed for item %s: %w", decision.Stage, item.ID, lastErr)
	}

	// Secondary channels are a best-effort pair: their failure never
	// blocks the primary's commit.
	for _, secondary := range decision.Channels[1:] {
		reqs := e.buildRequests(ctx, item, decision.Stage, secondary, now)
		if len(reqs) == 0 {
			slog.Debug("no recipient for secondary channel", "item_id", item.ID, "channel", string(secondary))
			continue
		}
		for _, res := range dispatcher.DispatchBulk(ctx, reqs) {
			if res.Err != nil {
				slog.Warn("secondary channel send failed", "item_id", item.ID, "channel", string(secondary), "error", res.Err)
			}
		}
	}

	item.Reminder.Advance(now, primary, pol.MaxStages)
	item.UpdatedAt = now
	if err := e.repo.Update(ctx, item); err != nil {
		return fmt.Errorf("failed to commit stage advance for item %s: %w", item.ID, err)
	}

	entry := audit.NewEntry(now, item.ID, audit.KindDecision, audit.OutcomeDispatched)
	entry.Stage = item.Reminder.Stage
	entry.Channel = primary
	entry.Reason = decision.Reason
	e.appendAudit(ctx, entry)

	e.bus.PublishNew(eventbus.TypeReminderSent, item.ID, map[string]string{
		"stage":   fmt.Sprintf("%d", item.Reminder.Stage),
		"channel": string(primary),
	})
	if item.Reminder.Phase == workitem.PhaseMaxReached {
		e.bus.PublishNew(eventbus.TypeMaxReached, item.ID, nil)
	}
	slog.Info("reminder dispatched", "item_id", item.ID, "stage", item.Reminder.Stage, "channel", string(primary))
	return nil
}

// buildRequests renders the stage message once per reachable assignee
// on the given channel. Contacts lacking the channel's address are
// skipped, not failed.
func (e *Engine) buildRequests(ctx context.Context, item *workitem.WorkItem, stage int, ch channel.Channel, now time.Time) []dispatch.Request {
	var reqs []dispatch.Request
	for _, contact := range item.Assignees {
		recipient, ok := recipientFor(contact, ch)
		if !ok {
			continue
		}
		vars := template.BuildVariables(contact.Name, item.Title, item.URL, item.DueDate, item.LastActivityAt, now)
		msg, err := e.renderer.Render(ctx, template.TemplateID(ch), vars)
		if err != nil {
			slog.Error("failed to render reminder", "item_id", item.ID, "channel", string(ch), "error", err)
			continue
		}
		reqs = append(reqs, dispatch.Request{
			ItemID:    item.ID,
			Stage:     stage,
			Channel:   ch,
			Recipient: recipient,
			Message:   msg,
		})
	}
	return reqs
}

func recipientFor(c workitem.Contact, ch channel.Channel) (channel.Recipient, bool) {
	r := channel.Recipient{
		Name:    c.Name,
		Handle:  c.Handle,
		Email:   c.Email,
		Phone:   c.Phone,
		PushSub: c.PushSub,
	}
	switch ch {
	case channel.Comment:
		return r, c.Handle != ""
	case channel.Email:
		return r, c.Email != ""
	case channel.SMS, channel.WhatsApp:
		return r, c.Phone != ""
	case channel.Push:
		return r, c.PushSub != nil
	default:
		return r, false
	}
}

func (e *Engine) appendAudit(ctx context.Context, entry *audit.Entry) {
	if err := e.sink.Append(ctx, entry); err != nil {
		slog.Error("failed to append audit entry", "item_id", entry.ItemID, "error", err)
	}
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
