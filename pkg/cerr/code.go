package cerr

import "net/http"

// Code classifies an error for retry, surfacing, and HTTP mapping
// decisions. Channel errors are either Transient (retried per the
// dispatch policy table) or Permanent (failed immediately and
// surfaced). The remaining codes cover the engine and ops layers.
type Code int

const (
	OK Code = iota
	// Transient marks a retryable channel or network failure
	// (timeouts, rate limits, 5xx responses).
	Transient
	// Permanent marks a channel failure that retrying cannot fix
	// (malformed recipient, opted-out destination, unsupported
	// number type).
	Permanent
	// OracleUnavailable marks a failed activity-oracle query. The
	// reconciler degrades according to the configured failure mode.
	OracleUnavailable
	// Configuration marks an invalid policy or environment. Fatal to
	// the current trigger run only.
	Configuration
	// StateConflict marks an item already being evaluated by another
	// pass. The item is skipped silently for this cycle.
	StateConflict
	InvalidArgument
	NotFound
	AlreadyExists
	Internal
	Canceled
	Unknown
)

var codeNames = map[Code]string{
	OK:                "ok",
	Transient:         "transient",
	Permanent:         "permanent",
	OracleUnavailable: "oracle_unavailable",
	Configuration:     "configuration",
	StateConflict:     "state_conflict",
	InvalidArgument:   "invalid_argument",
	NotFound:          "not_found",
	AlreadyExists:     "already_exists",
	Internal:          "internal",
	Canceled:          "canceled",
	Unknown:           "unknown",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// HTTPCode maps a Code to an HTTP status for the ops surface.
func (c Code) HTTPCode() int {
	switch c {
	case OK:
		return http.StatusOK
	case Canceled:
		return 499
	case InvalidArgument, Configuration:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists, StateConflict:
		return http.StatusConflict
	case Transient, OracleUnavailable:
		return http.StatusServiceUnavailable
	case Permanent:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
