package providers

import (
	"errors"
	"fmt"
)

// AdapterError wraps a failure from an external generation endpoint.
// Transient failures (timeouts, 5xx, connection errors) may be retried by the
// orchestrator up to its retry budget; non-transient ones are surfaced as-is.
type AdapterError struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an AdapterError marked retryable.
func IsTransient(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	return false
}
