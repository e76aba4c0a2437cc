package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/internal/workitem"
	"github.com/nudgeops/nudged/pkg/cerr"
	"github.com/nudgeops/nudged/pkg/storage"
)

type fakeOracle struct {
	events []ActivityEvent
	err    error
}

func (f *fakeOracle) ActivitySince(_ context.Context, _ string, since time.Time) ([]ActivityEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []ActivityEvent
	for _, e := range f.events {
		if e.At.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeOracle) HasRecentActivity(ctx context.Context, itemID string, hours int) (bool, error) {
	events, err := f.ActivitySince(ctx, itemID, time.Now().Add(-time.Duration(hours)*time.Hour))
	return len(events) > 0, err
}

var reconNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func pendingItem(lastReminder time.Time) *workitem.WorkItem {
	item := &workitem.WorkItem{
		ID:             "ITEM-001",
		Active:         true,
		LastActivityAt: lastReminder.Add(-24 * time.Hour),
	}
	item.Reminder.Stage = 1
	item.Reminder.Phase = workitem.PhaseStage
	item.Reminder.LastReminderAt = &lastReminder
	return item
}

func TestReconcileDetectsResponse(t *testing.T) {
	item := pendingItem(reconNow.Add(-2 * time.Hour))
	oracle := &fakeOracle{events: []ActivityEvent{{ItemID: item.ID, At: reconNow.Add(-time.Hour)}}}
	r := New(oracle)

	res, err := r.Reconcile(context.Background(), item, policy.Default(), reconNow)
	require.NoError(t, err)
	assert.True(t, res.ResponseDetected)
	assert.Equal(t, 2*time.Hour, res.Latency)
	assert.True(t, item.Reminder.HasResponse())
	assert.Equal(t, reconNow.Add(-time.Hour), item.LastActivityAt)
}

func TestReconcileRollingAverageLatency(t *testing.T) {
	// Latencies of 2h, 4h, 6h across three cycles average to 2h, 3h, 4h.
	item := pendingItem(reconNow.Add(-2 * time.Hour))
	r := New(&fakeOracle{events: []ActivityEvent{{ItemID: item.ID, At: reconNow.Add(-time.Minute)}}})

	for i, latency := range []time.Duration{2 * time.Hour, 4 * time.Hour, 6 * time.Hour} {
		item.Reminder.Reset()
		item.Reminder.Stage = 1
		item.Reminder.Phase = workitem.PhaseStage
		last := reconNow.Add(-latency)
		item.Reminder.LastReminderAt = &last
		item.LastActivityAt = last

		res, err := r.Reconcile(context.Background(), item, policy.Default(), reconNow)
		require.NoError(t, err)
		require.True(t, res.ResponseDetected)

		want := []time.Duration{2 * time.Hour, 3 * time.Hour, 4 * time.Hour}[i]
		assert.Equal(t, want, item.Reminder.Stats.AvgResponseLatency)
		assert.Equal(t, i+1, item.Reminder.Stats.ResponsesReceived)
	}
}

func TestReconcileNoActivityIsNoop(t *testing.T) {
	item := pendingItem(reconNow.Add(-2 * time.Hour))
	r := New(&fakeOracle{})

	res, err := r.Reconcile(context.Background(), item, policy.Default(), reconNow)
	require.NoError(t, err)
	assert.False(t, res.ResponseDetected)
	assert.False(t, res.Degraded)
	assert.False(t, item.Reminder.HasResponse())
}

func TestReconcileNeverRemindedItemStaysIdle(t *testing.T) {
	// An item observed with recent feed activity but no reminder sent
	// yet has nothing to respond to. The activity refreshes
	// LastActivityAt only; closing the cycle here would block stage 1
	// forever.
	item := &workitem.WorkItem{
		ID:             "ITEM-001",
		Active:         true,
		LastActivityAt: reconNow.Add(-24 * time.Hour),
	}
	activityAt := reconNow.Add(-time.Hour)
	r := New(&fakeOracle{events: []ActivityEvent{{ItemID: item.ID, At: activityAt}}})

	res, err := r.Reconcile(context.Background(), item, policy.Default(), reconNow)
	require.NoError(t, err)
	assert.False(t, res.ResponseDetected)
	assert.False(t, item.Reminder.HasResponse())
	assert.Equal(t, workitem.PhaseIdle, item.Reminder.Phase)
	assert.Equal(t, activityAt, item.LastActivityAt)
	assert.Equal(t, 0, item.Reminder.Stats.ResponsesReceived)
}

func TestReconcileResetsClosedCycleOnNewerActivity(t *testing.T) {
	responseAt := reconNow.Add(-3 * time.Hour)
	item := pendingItem(reconNow.Add(-5 * time.Hour))
	item.Reminder.MarkResponded(responseAt)
	r := New(&fakeOracle{events: []ActivityEvent{{ItemID: item.ID, At: reconNow.Add(-time.Hour)}}})

	res, err := r.Reconcile(context.Background(), item, policy.Default(), reconNow)
	require.NoError(t, err)
	assert.True(t, res.CycleReset)
	assert.Equal(t, workitem.PhaseIdle, item.Reminder.Phase)
	assert.Equal(t, 0, item.Reminder.Stage)
}

func TestReconcileIgnoresActivityAtOrBeforeResponse(t *testing.T) {
	responseAt := reconNow.Add(-time.Hour)
	item := pendingItem(reconNow.Add(-5 * time.Hour))
	item.Reminder.MarkResponded(responseAt)
	// Activity exactly at the response time does not reopen the cycle.
	r := New(&fakeOracle{events: []ActivityEvent{{ItemID: item.ID, At: responseAt}}})

	res, err := r.Reconcile(context.Background(), item, policy.Default(), reconNow)
	require.NoError(t, err)
	assert.False(t, res.CycleReset)
	assert.True(t, item.Reminder.HasResponse())
}

func TestReconcileDegradedOnOracleError(t *testing.T) {
	item := pendingItem(reconNow.Add(-2 * time.Hour))
	r := New(&fakeOracle{err: errors.New("upstream 503")})

	res, err := r.Reconcile(context.Background(), item, policy.Default(), reconNow)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.OracleUnavailable))
	assert.True(t, res.Degraded)
	// A degraded check must never read as a response.
	assert.False(t, res.ResponseDetected)
	assert.False(t, item.Reminder.HasResponse())
}

func TestReconcileDegradedWithoutOracle(t *testing.T) {
	item := pendingItem(reconNow.Add(-2 * time.Hour))
	r := New(nil)

	res, err := r.Reconcile(context.Background(), item, policy.Default(), reconNow)
	require.Error(t, err)
	assert.True(t, res.Degraded)
}

func TestYAMLOracleReadsActivityFeed(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	old := reconNow.Add(-10 * time.Hour)
	recent := reconNow.Add(-time.Hour)
	writeActivity(t, store, "ITEM-001", "a-1", old)
	writeActivity(t, store, "ITEM-001", "a-2", recent)
	writeActivity(t, store, "ITEM-002", "a-3", recent)

	oracle := NewYAMLOracle(store)
	events, err := oracle.ActivitySince(ctx, "ITEM-001", reconNow.Add(-2*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a-2", events[0].ID)
	assert.Equal(t, "ITEM-001", events[0].ItemID)

	// No feed directory at all reads as no activity, not an error.
	events, err = oracle.ActivitySince(ctx, "ITEM-999", reconNow.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func writeActivity(t *testing.T, store storage.Storage, itemID, eventID string, at time.Time) {
	t.Helper()
	data, err := yaml.Marshal(activityDoc{ID: eventID, Kind: "comment", At: at})
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), fmt.Sprintf("feed/activity/%s/%s.yaml", itemID, eventID), data))
}
