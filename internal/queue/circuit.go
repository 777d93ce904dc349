package queue

import (
	"sync"
	"time"
)

// CircuitState is one of the three states of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitConfig tunes the failure/recovery thresholds for a circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           // consecutive failures that trip the circuit
	OpenTimeout      time.Duration // how long to stay OPEN before probing
}

func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// circuitBreaker guards calls to the embedding/NER backend: CLOSED allows
// everything, OPEN rejects everything until OpenTimeout elapses, HALF_OPEN
// admits exactly one probing request — its first success closes the
// circuit, any failure reopens it.
type circuitBreaker struct {
	mu      sync.Mutex
	cfg     CircuitConfig
	state   CircuitState
	fails   int
	probing bool // a single half-open probe is currently in flight
	opened  time.Time
}

func newCircuitBreaker(cfg CircuitConfig) *circuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &circuitBreaker{cfg: cfg, state: CircuitClosed}
}

// allow reports whether a call may proceed, transitioning OPEN -> HALF_OPEN
// once the open timeout has elapsed and admitting at most one probe while
// HALF_OPEN.
func (c *circuitBreaker) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitOpen:
		if time.Since(c.opened) >= c.cfg.OpenTimeout {
			c.state = CircuitHalfOpen
			c.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return true
	}
}

// report records the outcome of a call the breaker allowed.
func (c *circuitBreaker) report(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitHalfOpen:
		c.probing = false
		if success {
			c.state = CircuitClosed
			c.fails = 0
			return
		}
		c.state = CircuitOpen
		c.opened = time.Now()

	case CircuitOpen:
		// already open; nothing to update besides staying open

	default: // closed
		if success {
			c.fails = 0
			return
		}
		c.fails++
		if c.fails >= c.cfg.FailureThreshold {
			c.state = CircuitOpen
			c.opened = time.Now()
		}
	}
}

func (c *circuitBreaker) currentState() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// reset forces the breaker back to CLOSED, discarding failure history. This
// backs the queue's manual ResetCircuit operation.
func (c *circuitBreaker) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.fails = 0
	c.probing = false
	c.opened = time.Time{}
}
