package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
)

// Error wraps a database failure with the record it belongs to and whether a
// retry can succeed. Transient errors (connectivity, serialization) are worth
// retrying per record; fatal ones (constraint, data) are not.
type Error struct {
	Signature string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Signature != "" {
		return "sink " + e.Signature + ": " + e.Err.Error()
	}
	return "sink: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetriable reports whether the error is a transient sink failure.
func IsRetriable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Transient
	}
	return isTransient(err)
}

// isTransient classifies a raw driver error. Postgres error classes 08
// (connection), 40 (transaction rollback, e.g. serialization failures and
// deadlocks), 53 (insufficient resources) and 57 (operator intervention,
// e.g. admin shutdown) can succeed on retry; constraint (23), data (22) and
// syntax (42) classes cannot.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	return false
}

func wrap(signature string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Signature: signature, Transient: isTransient(err), Err: err}
}

// fatal builds a non-retriable record error.
func fatal(signature string, err error) error {
	return &Error{Signature: signature, Transient: false, Err: err}
}
