package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// ErrConflict marks an insert rejected by a uniqueness constraint. Stores
// wrap backend-specific violations with it; the reconciler then checks the
// natural key to tell a lost race from a collision on another column.
var ErrConflict = eris.New("reconcile: uniqueness violation")

// SourceUnavailableError means the authoritative rows could not be read.
// It aborts the run before any write.
type SourceUnavailableError struct {
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return "reconcile: source unavailable: " + e.Err.Error()
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// IsSourceUnavailable reports whether err is a fatal fetch failure.
func IsSourceUnavailable(err error) bool {
	var su *SourceUnavailableError
	return errors.As(err, &su)
}

// TimeoutError is returned when a single store call exceeds its bound.
type TimeoutError struct {
	Op    string
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("reconcile: %s timed out after %s: %v", e.Op, e.Limit, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
