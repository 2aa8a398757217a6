package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Policy controls retry behavior and parallelism for a scheduler run.
// It is an input, not a hardcoded constant, so callers can tune it from
// configuration.
type Policy struct {
	// MaxAttempts is the maximum number of execution attempts per node,
	// including the first. Values below 1 are treated as 1.
	MaxAttempts int
	// Backoff is the delay between attempts on transient failure.
	Backoff time.Duration
	// MaxWorkers caps concurrently executing nodes. Values below 1 are
	// treated as 1.
	MaxWorkers int
}

// DefaultPolicy returns the policy used when configuration provides none.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     time.Second,
		MaxWorkers:  4,
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) maxWorkers() int {
	if p.MaxWorkers < 1 {
		return 1
	}
	return p.MaxWorkers
}

// permanentError marks a failure that retrying cannot fix, such as
// malformed tool arguments. The scheduler fails these immediately.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the scheduler will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf formats a non-retryable error.
func Permanentf(format string, args ...interface{}) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
