package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nudgeops/nudged/internal/eventbus"
	"github.com/nudgeops/nudged/internal/workitem"
)

// Syncer mirrors the tracking system into the work item repository:
// an item is created on first observation, refreshed while open, and
// marked closed when the tracking system no longer lists it. The
// engine archives closed items on its next pass.
type Syncer struct {
	tracker  Tracker
	repo     workitem.Repository
	bus      *eventbus.Bus
	interval time.Duration
	now      func() time.Time
}

func NewSyncer(t Tracker, repo workitem.Repository, bus *eventbus.Bus, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Syncer{
		tracker:  t,
		repo:     repo,
		bus:      bus,
		interval: interval,
		now:      time.Now,
	}
}

// Start syncs immediately and then on every interval tick until ctx
// is cancelled.
func (s *Syncer) Start(ctx context.Context) {
	slog.Info("tracker syncer started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.Sync(ctx); err != nil {
		slog.Error("tracker sync failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("tracker syncer stopped")
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				slog.Error("tracker sync failed", "error", err)
			}
		}
	}
}

// Sync runs one reconciliation pass against the tracking system.
func (s *Syncer) Sync(ctx context.Context) error {
	open, err := s.tracker.ListOpenItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open items: %w", err)
	}

	now := s.now()
	openIDs := make(map[string]struct{}, len(open))
	for _, t := range open {
		openIDs[t.ID] = struct{}{}
		if err := s.upsert(ctx, t, now); err != nil {
			slog.Error("failed to sync item", "item_id", t.ID, "error", err)
		}
	}

	// Anything tracked locally but no longer open upstream is closed.
	known, err := s.repo.List(ctx, workitem.Filter{ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("failed to list tracked items: %w", err)
	}
	for _, item := range known {
		if _, stillOpen := openIDs[item.ID]; stillOpen {
			continue
		}
		item.Closed = true
		item.UpdatedAt = now
		if err := s.repo.Update(ctx, item); err != nil {
			slog.Error("failed to mark item closed", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

func (s *Syncer) upsert(ctx context.Context, t Item, now time.Time) error {
	existing, err := s.repo.Get(ctx, t.ID)
	if err != nil {
		item := &workitem.WorkItem{
			ID:             t.ID,
			Title:          t.Title,
			URL:            t.URL,
			Assignees:      t.Assignees,
			DueDate:        t.DueDate,
			LastActivityAt: t.LastActivityAt,
			Active:         true,
			Reminder: workitem.ReminderState{
				Phase:        workitem.PhaseIdle,
				Urgent:       t.Urgent,
				UrgentReason: t.UrgentReason,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Create(ctx, item); err != nil {
			return err
		}
		s.bus.PublishNew(eventbus.TypeItemObserved, item.ID, nil)
		slog.Info("new item observed", "item_id", item.ID, "title", item.Title)
		return nil
	}

	existing.Title = t.Title
	existing.URL = t.URL
	existing.Assignees = t.Assignees
	existing.DueDate = t.DueDate
	existing.Closed = t.Closed
	existing.Reminder.Urgent = t.Urgent
	existing.Reminder.UrgentReason = t.UrgentReason
	if t.LastActivityAt.After(existing.LastActivityAt) {
		existing.LastActivityAt = t.LastActivityAt
	}
	existing.UpdatedAt = now
	return s.repo.Update(ctx, existing)
}
