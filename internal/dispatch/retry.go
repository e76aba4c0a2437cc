package dispatch

import (
	"time"

	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/pkg/cerr"
)

// RetryRule decides whether an error class is retried and on what
// schedule. The schedule length bounds the retries: attempt n+1 waits
// Backoff[n-1] after attempt n fails.
type RetryRule struct {
	Retryable bool
	Backoff   []time.Duration
}

// RetryTable maps error classifications to retry rules. One table is
// shared by every channel so the retry behavior stays auditable in a
// single place.
type RetryTable map[cerr.Code]RetryRule

// NewRetryTable builds the table from the policy's dispatch tuning:
// transient failures get a bounded exponential backoff schedule,
// everything else fails immediately.
func NewRetryTable(tuning policy.DispatchTuning) RetryTable {
	attempts := tuning.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}
	base := tuning.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	schedule := make([]time.Duration, attempts)
	for i := range schedule {
		schedule[i] = base << i
	}
	return RetryTable{
		cerr.Transient:         {Retryable: true, Backoff: schedule},
		cerr.Permanent:         {Retryable: false},
		cerr.Configuration:     {Retryable: false},
		cerr.OracleUnavailable: {Retryable: false},
	}
}

// Rule resolves the rule for a code. Unclassified errors are not
// retried so misbehaving senders surface instead of looping.
func (t RetryTable) Rule(code cerr.Code) RetryRule {
	if rule, ok := t[code]; ok {
		return rule
	}
	return RetryRule{Retryable: false}
}
