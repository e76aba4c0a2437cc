package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nudgeops/nudged/internal/audit"
	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/pkg/cerr"
)

// Request is one notification to deliver.
type Request struct {
	ItemID    string
	Stage     int
	Channel   channel.Channel
	Recipient channel.Recipient
	Message   channel.Message
}

// Dispatcher executes sends with retry and backoff driven by the
// shared retry table, and writes exactly one audit entry per attempt.
type Dispatcher struct {
	senders map[channel.Channel]channel.Sender
	table   RetryTable
	tuning  policy.DispatchTuning
	sink    audit.Sink
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(senders map[channel.Channel]channel.Sender, table RetryTable, tuning policy.DispatchTuning, sink audit.Sink) *Dispatcher {
	return &Dispatcher{
		senders: senders,
		table:   table,
		tuning:  tuning,
		sink:    sink,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch sends one request, retrying transient failures per the
// table. The returned error carries the terminal classification.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (channel.Result, error) {
	sender, ok := d.senders[req.Channel]
	if !ok {
		err := cerr.NewError(cerr.Configuration, "no sender registered for channel "+string(req.Channel), nil)
		d.record(ctx, req, 1, channel.Result{}, audit.OutcomeFailed, err)
		return channel.Result{}, err
	}

	for attempt := 1; ; attempt++ {
		res, err := sender.Send(ctx, req.Recipient, req.Message)
		err = classify(err)
		if err == nil {
			d.record(ctx, req, attempt, res, audit.OutcomeDelivered, nil)
			return res, nil
		}

		rule := d.table.Rule(cerr.CodeOf(err))
		if !rule.Retryable || attempt > len(rule.Backoff) {
			d.record(ctx, req, attempt, channel.Result{}, audit.OutcomeFailed, err)
			return channel.Result{}, err
		}

		d.record(ctx, req, attempt, channel.Result{}, audit.OutcomeRetrying, err)
		if serr := d.sleep(ctx, rule.Backoff[attempt-1]); serr != nil {
			terminal := cerr.NewError(cerr.Transient, "dispatch canceled during backoff", serr)
			d.record(ctx, req, attempt+1, channel.Result{}, audit.OutcomeFailed, terminal)
			return channel.Result{}, terminal
		}
	}
}

// Result pairs a request with its outcome for bulk sends.
type Result struct {
	Request Request
	Sent    channel.Result
	Err     error
}

// DispatchBulk sends requests chunked into per-channel batches with an
// inter-batch delay, respecting provider throughput limits. Failures
// are isolated per request.
func (d *Dispatcher) DispatchBulk(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, 0, len(reqs))
	byChannel := make(map[channel.Channel][]Request)
	var order []channel.Channel
	for _, req := range reqs {
		if _, seen := byChannel[req.Channel]; !seen {
			order = append(order, req.Channel)
		}
		byChannel[req.Channel] = append(byChannel[req.Channel], req)
	}

	for _, ch := range order {
		batch := d.tuning.Batch[ch]
		size := batch.Size
		if size <= 0 {
			size = 10
		}
		queue := byChannel[ch]
		for start := 0; start < len(queue); start += size {
			if start > 0 && batch.Delay > 0 {
				if err := d.sleep(ctx, batch.Delay); err != nil {
					// Remaining requests are canceled, not silently dropped.
					for _, req := range queue[start:] {
						results = append(results, Result{Request: req, Err: cerr.NewError(cerr.Transient, "bulk dispatch canceled", err)})
					}
					break
				}
			}
			end := min(start+size, len(queue))
			for _, req := range queue[start:end] {
				sent, err := d.Dispatch(ctx, req)
				results = append(results, Result{Request: req, Sent: sent, Err: err})
			}
		}
	}
	return results
}

// classify normalizes sender errors: timeouts and cancellations are
// transient, unclassified errors become Unknown-coded.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return cerr.NewError(cerr.Transient, "send timed out", err)
	}
	if cerr.CodeOf(err) != cerr.Unknown {
		return err
	}
	return cerr.NewError(cerr.Unknown, "unclassified send failure", err)
}

func (d *Dispatcher) record(ctx context.Context, req Request, attempt int, res channel.Result, outcome audit.Outcome, sendErr error) {
	entry := audit.NewEntry(d.now(), req.ItemID, audit.KindAttempt, outcome)
	entry.Stage = req.Stage
	entry.Channel = req.Channel
	entry.Recipient = recipientLabel(req.Recipient)
	entry.Attempt = attempt
	entry.DeliveryID = res.DeliveryID
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := d.sink.Append(ctx, entry); err != nil {
		slog.Error("failed to append dispatch audit entry", "item_id", req.ItemID, "error", err)
	}
}

func recipientLabel(r channel.Recipient) string {
	switch {
	case r.Handle != "":
		return r.Handle
	case r.Email != "":
		return r.Email
	case r.Phone != "":
		return r.Phone
	default:
		return r.Name
	}
}
