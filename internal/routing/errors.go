package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means no provider could serve the request
	ErrUnavailable = errors.New("no provider available")
	// ErrCircuitOpen marks a provider skipped because its breaker is open
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRateLimited marks a provider skipped by its admission limits
	ErrRateLimited = errors.New("provider rate limited")
	// ErrProbeFailed marks a provider skipped by a failed live probe
	ErrProbeFailed = errors.New("health probe failed")
)

// UnavailableError is returned by Route when every candidate was skipped or
// failed. It identifies the last provider attempted, if any.
type UnavailableError struct {
	Attempted    []string
	Skipped      []string
	LastProvider string
	LastPriority int
	LastErr      error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("%s: %d attempted, %d skipped", ErrUnavailable, len(e.Attempted), len(e.Skipped))
	if e.LastProvider != "" {
		msg += fmt.Sprintf(", last provider %s (priority %d)", e.LastProvider, e.LastPriority)
	}
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.LastErr
}
