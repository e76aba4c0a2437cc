package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nudgeops/nudged/internal/audit"
	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/pkg/cerr"
)

type fakeSender struct {
	calls int
	// errs are returned in order; calls past the end succeed.
	errs []error
}

func (f *fakeSender) Send(_ context.Context, _ channel.Recipient, _ channel.Message) (channel.Result, error) {
	f.calls++
	if f.calls <= len(f.errs) {
		return channel.Result{}, f.errs[f.calls-1]
	}
	return channel.Result{DeliveryID: "d-1"}, nil
}

type memSink struct {
	entries []*audit.Entry
}

func (m *memSink) Append(_ context.Context, e *audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func newTestDispatcher(sender channel.Sender, tuning policy.DispatchTuning, sink audit.Sink) *Dispatcher {
	d := New(map[channel.Channel]channel.Sender{channel.Email: sender}, NewRetryTable(tuning), tuning, sink)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func request() Request {
	return Request{
		ItemID:    "ITEM-001",
		Stage:     2,
		Channel:   channel.Email,
		Recipient: channel.Recipient{Name: "Sam", Email: "sam@example.com"},
		Message:   channel.Message{Subject: "Reminder", Body: "ping"},
	}
}

func transientErr() error {
	return cerr.NewError(cerr.Transient, "rate limited", nil)
}

func TestDispatchRetriesAreBounded(t *testing.T) {
	// retry_attempts=3 allows 3 retries after the first send: 4 sends
	// total, then the terminal failure is surfaced.
	sender := &fakeSender{errs: []error{transientErr(), transientErr(), transientErr(), transientErr(), transientErr()}}
	sink := &memSink{}
	d := newTestDispatcher(sender, policy.DispatchTuning{RetryAttempts: 3, BackoffBase: time.Second}, sink)

	_, err := d.Dispatch(context.Background(), request())
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Transient))
	assert.Equal(t, 4, sender.calls)

	require.Len(t, sink.entries, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, audit.OutcomeRetrying, sink.entries[i].Outcome)
		assert.Equal(t, i+1, sink.entries[i].Attempt)
	}
	assert.Equal(t, audit.OutcomeFailed, sink.entries[3].Outcome)
	assert.Equal(t, 4, sink.entries[3].Attempt)
}

func TestDispatchPermanentFailureIsNotRetried(t *testing.T) {
	sender := &fakeSender{errs: []error{cerr.NewError(cerr.Permanent, "opted out", nil)}}
	sink := &memSink{}
	d := newTestDispatcher(sender, policy.DispatchTuning{RetryAttempts: 3, BackoffBase: time.Second}, sink)

	_, err := d.Dispatch(context.Background(), request())
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Permanent))
	assert.Equal(t, 1, sender.calls)
	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.OutcomeFailed, sink.entries[0].Outcome)
}

func TestDispatchRecoversAfterTransientFailures(t *testing.T) {
	sender := &fakeSender{errs: []error{transientErr(), transientErr()}}
	sink := &memSink{}
	d := newTestDispatcher(sender, policy.DispatchTuning{RetryAttempts: 3, BackoffBase: time.Second}, sink)

	res, err := d.Dispatch(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "d-1", res.DeliveryID)
	assert.Equal(t, 3, sender.calls)

	require.Len(t, sink.entries, 3)
	assert.Equal(t, audit.OutcomeDelivered, sink.entries[2].Outcome)
	assert.Equal(t, "d-1", sink.entries[2].DeliveryID)
}

func TestDispatchUnknownErrorFailsFast(t *testing.T) {
	sender := &fakeSender{errs: []error{errors.New("boom")}}
	sink := &memSink{}
	d := newTestDispatcher(sender, policy.DispatchTuning{RetryAttempts: 3, BackoffBase: time.Second}, sink)

	_, err := d.Dispatch(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, 1, sender.calls)
}

func TestDispatchWithoutSenderIsConfigurationError(t *testing.T) {
	sink := &memSink{}
	tuning := policy.DispatchTuning{RetryAttempts: 3, BackoffBase: time.Second}
	d := New(map[channel.Channel]channel.Sender{}, NewRetryTable(tuning), tuning, sink)

	_, err := d.Dispatch(context.Background(), request())
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Configuration))
	require.Len(t, sink.entries, 1)
	assert.Equal(t, audit.OutcomeFailed, sink.entries[0].Outcome)
}

func TestDispatchBulkChunksBatches(t *testing.T) {
	sender := &fakeSender{}
	sink := &memSink{}
	tuning := policy.DispatchTuning{
		RetryAttempts: 0,
		BackoffBase:   time.Second,
		Batch:         map[channel.Channel]policy.BatchTuning{channel.Email: {Size: 2, Delay: time.Second}},
	}
	d := New(map[channel.Channel]channel.Sender{channel.Email: sender}, NewRetryTable(tuning), tuning, sink)
	sleeps := 0
	d.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	reqs := make([]Request, 5)
	for i := range reqs {
		reqs[i] = request()
	}
	results := d.DispatchBulk(context.Background(), reqs)

	require.Len(t, results, 5)
	for _, res := range results {
		assert.NoError(t, res.Err)
	}
	// 5 requests in batches of 2: delays before the 2nd and 3rd batch.
	assert.Equal(t, 2, sleeps)
	assert.Equal(t, 5, sender.calls)
}

func TestDispatchBulkCancellationReportsRemainder(t *testing.T) {
	sender := &fakeSender{}
	sink := &memSink{}
	tuning := policy.DispatchTuning{
		BackoffBase: time.Second,
		Batch:       map[channel.Channel]policy.BatchTuning{channel.Email: {Size: 2, Delay: time.Second}},
	}
	d := New(map[channel.Channel]channel.Sender{channel.Email: sender}, NewRetryTable(tuning), tuning, sink)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	reqs := make([]Request, 4)
	for i := range reqs {
		reqs[i] = request()
	}
	results := d.DispatchBulk(context.Background(), reqs)

	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Error(t, results[2].Err)
	assert.Error(t, results[3].Err)
	assert.Equal(t, 2, sender.calls)
}

func TestNewRetryTableSchedule(t *testing.T) {
	table := NewRetryTable(policy.DispatchTuning{RetryAttempts: 3, BackoffBase: time.Second})

	rule := table.Rule(cerr.Transient)
	require.True(t, rule.Retryable)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rule.Backoff)

	assert.False(t, table.Rule(cerr.Permanent).Retryable)
	assert.False(t, table.Rule(cerr.Configuration).Retryable)
	assert.False(t, table.Rule(cerr.Unknown).Retryable)
}
