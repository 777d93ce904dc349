package queue

import "fmt"

// CircuitOpenError is returned by Submit when the circuit breaker is OPEN
// and no probe is due yet.
type CircuitOpenError struct{}

func (*CircuitOpenError) Error() string { return "queue: circuit breaker open" }

// RateLimitedError is returned by Submit when the token bucket has no
// tokens available.
type RateLimitedError struct{}

func (*RateLimitedError) Error() string { return "queue: rate limit exceeded" }

// NotRunningError is returned by Submit before start() or after stop().
type NotRunningError struct{}

func (*NotRunningError) Error() string { return "queue: not running" }

// RequestTimeoutError is returned when a submitted request's context is
// cancelled or its deadline elapses before a worker completes it.
type RequestTimeoutError struct {
	RequestID string
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("queue: request %s timed out", e.RequestID)
}

// UnsupportedOperationError is returned for an Operation value the queue
// does not know how to process.
type UnsupportedOperationError struct {
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return "queue: unsupported operation: " + e.Operation
}
