// Package resilience provides circuit breaker and provider failover primitives
// for the external speech and language services a tutoring session depends on.
//
// A [CircuitBreaker] stops sessions from queueing on a backend that keeps
// failing. A [FallbackGroup] gives each backend its own breaker and tries
// them in order; [LLMFallback], [TranscriberFallback] and
// [SynthesizerFallback] put a group behind the provider interfaces, which
// is how the ASR backup takes over from the primary.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] without calling the
// backend.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the breaker opened.
	StateOpen

	// StateHalfOpen lets a few probe calls through. Enough successes close
	// the breaker; one failure opens it again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures in a row open a closed breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of concurrent probes allowed and the
	// number of successful probes needed to close. Default 3.
	HalfOpenMax int

	// IsFailure decides which errors count against the backend. Other errors
	// are returned untouched. Default [CountsAsFailure].
	IsFailure func(error) bool

	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now is the clock. Default [time.Now].
	Now func() time.Time
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.IsFailure == nil {
		c.IsFailure = CountsAsFailure
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CountsAsFailure is the default failure classifier. Caller cancellation and
// results rejected by a fallback acceptance check say nothing about backend
// health and are not counted.
func CountsAsFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, ErrRejected):
		return false
	default:
		return true
	}
}

// CircuitBreaker guards calls to one backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // valid while open
	probes   int       // in flight, while half-open
	probeOK  int       // successes, while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen], and
// returns fn's error as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit reserves a slot for one call. probe is true for half-open calls.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state, cb.probes, cb.probeOK = StateHalfOpen, 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.changed(from, to)
	return probe, nil
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	failed := err != nil && cb.cfg.IsFailure(err)

	cb.mu.Lock()
	from := cb.state
	switch {
	case probe && cb.state != StateHalfOpen:
		// Another probe already decided the outcome.
	case probe && failed:
		cb.open()
	case probe && err == nil:
		cb.probes--
		cb.probeOK++
		if cb.probeOK >= cb.cfg.HalfOpenMax {
			cb.state, cb.failures = StateClosed, 0
		}
	case probe:
		// Neutral outcome: the slot is free again.
		cb.probes--
	case failed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.open()
		}
	case err == nil:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()

	cb.changed(from, to)
}

// open trips the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.probes, cb.probeOK = 0, 0
}

func (cb *CircuitBreaker) changed(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from)
	default:
		slog.Info("circuit breaker state changed", "name", cb.cfg.Name, "from", from, "to", to)
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
