package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/nudgeops/nudged/internal/config"
	"github.com/nudgeops/nudged/internal/engine"
	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/internal/workitem"
	"github.com/nudgeops/nudged/pkg/cerr"
	"github.com/nudgeops/nudged/pkg/clog"
)

// Scheduler drives the evaluation cycles: one independent, idempotent
// trigger per escalation stage, each bound to its time of day in the
// policy timezone. A trigger invocation is a bounded, terminating
// task, not a continuously running loop.
type Scheduler struct {
	engine      *engine.Engine
	repo        workitem.Repository
	store       *config.PolicyStore
	concurrency int
	itemTimeout time.Duration
	now         func() time.Time
}

func New(eng *engine.Engine, repo workitem.Repository, store *config.PolicyStore, concurrency int, itemTimeout time.Duration) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	if itemTimeout <= 0 {
		itemTimeout = 30 * time.Second
	}
	return &Scheduler{
		engine:      eng,
		repo:        repo,
		store:       store,
		concurrency: concurrency,
		itemTimeout: itemTimeout,
		now:         time.Now,
	}
}

// SetClock overrides the scheduler clock. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs one trigger loop per configured stage and blocks until
// ctx is cancelled. Stage loops re-read the policy snapshot before
// every occurrence, so trigger times follow policy reloads.
func (s *Scheduler) Start(ctx context.Context) {
	pol := s.store.Snapshot()
	wg := conc.NewWaitGroup()
	for stage := 1; stage <= len(pol.StageTriggers); stage++ {
		wg.Go(func() {
			s.runTriggerLoop(ctx, stage)
		})
	}
	slog.Info("scheduler started", "stages", len(pol.StageTriggers), "concurrency", s.concurrency)
	wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) runTriggerLoop(ctx context.Context, stage int) {
	for {
		pol := s.store.Snapshot()
		trig, ok := pol.Trigger(stage)
		if !ok {
			// The stage disappeared from the policy; check again later.
			if !sleepUntil(ctx, s.now().Add(time.Hour)) {
				return
			}
			continue
		}

		next := NextOccurrence(s.now(), trig.At, pol.Location())
		slog.Debug("trigger armed", "stage", stage, "at", next.Format(time.RFC3339))
		if !sleepUntil(ctx, next) {
			return
		}
		if _, err := s.RunStage(ctx, stage); err != nil {
			slog.Error("trigger run failed", "stage", stage, "error", err)
		}
	}
}

// NextOccurrence returns the next time the given time-of-day occurs
// strictly after now, in loc.
func NextOccurrence(now time.Time, at policy.TimeOfDay, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// RunStage evaluates every candidate for the given stage through a
// bounded worker pool and returns the number of items processed. A
// run that finds zero eligible items is a no-op, not an error. On
// cancellation the run stops admitting new items but lets in-flight
// evaluations finish up to their individual timeouts.
func (s *Scheduler) RunStage(ctx context.Context, stage int) (int, error) {
	pol := s.store.Snapshot()
	if _, ok := pol.Trigger(stage); !ok {
		return 0, cerr.NewError(cerr.Configuration, fmt.Sprintf("no trigger configured for stage %d", stage), nil)
	}

	prev := stage - 1
	items, err := s.repo.List(ctx, workitem.Filter{Stage: &prev, ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to list candidates for stage %d: %w", stage, err)
	}
	if len(items) == 0 {
		slog.Debug("trigger found no candidates", "stage", stage)
		return 0, nil
	}

	slog.Info("trigger run started", "stage", stage, "candidates", len(items))
	processed := 0
	p := pool.New().WithMaxGoroutines(s.concurrency)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		processed++
		p.Go(func() {
			s.processOne(ctx, item.ID, pol)
		})
	}
	p.Wait()
	slog.Info("trigger run finished", "stage", stage, "processed", processed)
	return processed, nil
}

// EvaluateItem runs one manual re-evaluation, used by the ops surface.
func (s *Scheduler) EvaluateItem(ctx context.Context, itemID string) error {
	pol := s.store.Snapshot()
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.itemTimeout)
	defer cancel()
	itemCtx = clog.ContextWithSlog(itemCtx)
	clog.AddAttribute(itemCtx, "item_id", itemID)
	return s.engine.ProcessItem(itemCtx, itemID, pol)
}

func (s *Scheduler) processOne(ctx context.Context, itemID string, pol *policy.Policy) {
	// Detach from the run context so cancellation lets the in-flight
	// evaluation finish within its own timeout.
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.itemTimeout)
	defer cancel()
	itemCtx = clog.ContextWithSlog(itemCtx)
	clog.AddAttribute(itemCtx, "item_id", itemID)

	if err := s.engine.ProcessItem(itemCtx, itemID, pol); err != nil {
		slog.ErrorContext(itemCtx, "item evaluation failed", "error", err)
	}
}
