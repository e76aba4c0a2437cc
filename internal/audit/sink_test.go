package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nudgeops/nudged/pkg/storage"
)

var entryTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func TestStorageSinkAppendAndList(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	sink := NewStorageSink(store)
	ctx := context.Background()

	first := NewEntry(entryTime, "ITEM-001", KindAttempt, OutcomeDelivered)
	first.Stage = 1
	first.Attempt = 1
	require.NoError(t, sink.Append(ctx, first))

	second := NewEntry(entryTime.Add(time.Minute), "ITEM-001", KindDecision, OutcomeDispatched)
	require.NoError(t, sink.Append(ctx, second))

	other := NewEntry(entryTime, "ITEM-002", KindDecision, OutcomeArchived)
	require.NoError(t, sink.Append(ctx, other))

	entries, err := sink.ListForItem(ctx, "ITEM-001")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// ULID identifiers sort chronologically.
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, OutcomeDispatched, entries[1].Outcome)

	empty, err := sink.ListForItem(ctx, "ITEM-404")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

type flakySink struct {
	fail    bool
	entries []*Entry
}

func (f *flakySink) Append(_ context.Context, e *Entry) error {
	if f.fail {
		return errors.New("storage unavailable")
	}
	f.entries = append(f.entries, e)
	return nil
}

func TestBufferedSinkNeverFailsAppend(t *testing.T) {
	inner := &flakySink{fail: true}
	sink := NewBufferedSink(inner)
	ctx := context.Background()

	first := NewEntry(entryTime, "ITEM-001", KindAttempt, OutcomeRetrying)
	second := NewEntry(entryTime, "ITEM-001", KindAttempt, OutcomeDelivered)
	require.NoError(t, sink.Append(ctx, first))
	require.NoError(t, sink.Append(ctx, second))
	assert.Equal(t, 2, sink.Pending())
	assert.Empty(t, inner.entries)

	// Once the inner sink recovers, the buffer drains in order ahead of
	// new entries.
	inner.fail = false
	third := NewEntry(entryTime, "ITEM-001", KindDecision, OutcomeDispatched)
	require.NoError(t, sink.Append(ctx, third))

	assert.Equal(t, 0, sink.Pending())
	require.Len(t, inner.entries, 3)
	assert.Equal(t, first.ID, inner.entries[0].ID)
	assert.Equal(t, second.ID, inner.entries[1].ID)
	assert.Equal(t, third.ID, inner.entries[2].ID)
}

func TestBufferedSinkFlush(t *testing.T) {
	inner := &flakySink{fail: true}
	sink := NewBufferedSink(inner)
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, NewEntry(entryTime, "ITEM-001", KindAttempt, OutcomeRetrying)))
	require.Equal(t, 1, sink.Pending())

	inner.fail = false
	sink.Flush(ctx)
	assert.Equal(t, 0, sink.Pending())
	assert.Len(t, inner.entries, 1)
}
