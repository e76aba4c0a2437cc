package cerr

import (
	"errors"
	"fmt"
)

// Error carries a classification Code alongside a user-facing message
// and the underlying error kept for logs.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func NewError(code Code, msg string, underlying error) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code.String(), e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the classification of err, or Unknown if err carries
// none. A nil error is OK.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return Unknown
}

func IsCode(err error, code Code) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// Retryable reports whether err is worth retrying: only transient
// channel failures are. Everything else, including unclassified
// errors, fails fast so misconfigurations surface instead of looping.
func Retryable(err error) bool {
	return IsCode(err, Transient)
}
