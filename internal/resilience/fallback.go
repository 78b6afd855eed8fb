package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrAllFailed wraps the last error once every backend in a group has
	// failed, rejected the input or been skipped behind an open breaker.
	ErrAllFailed = errors.New("all providers failed")

	// ErrRejected marks a call that succeeded on the wire but returned
	// something unusable, such as a transcript without Chinese characters.
	// It moves the group on without counting against the breaker.
	ErrRejected = errors.New("result rejected")
)

// FallbackConfig is the breaker template applied to every backend of a group.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. Calls go to the first backend whose breaker
// admits them.
//
// Register every backend before sharing the group.
type FallbackGroup[T any] struct {
	cfg      FallbackConfig
	backends []backend[T]
}

// NewFallbackGroup returns a group whose first backend is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.backends = append(fg.backends, backend[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Len counts the backends, primary included.
func (fg *FallbackGroup[T]) Len() int { return len(fg.backends) }

// Primary is the first backend.
func (fg *FallbackGroup[T]) Primary() T { return fg.backends[0].value }

// States maps backend name to breaker state, for readiness probes.
func (fg *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(fg.backends))
	for _, b := range fg.backends {
		states[b.name] = b.breaker.State()
	}
	return states
}

// Execute runs fn on backends in order until one returns nil.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteNamed(fg, func(_ string, v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a value.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	return ExecuteNamed(fg, func(_ string, v T) (R, error) { return fn(v) })
}

// ExecuteNamed also hands fn the backend name so results can be attributed.
func ExecuteNamed[T, R any](fg *FallbackGroup[T], fn func(name string, v T) (R, error)) (R, error) {
	var last error
	for _, b := range fg.backends {
		var out R
		err := b.breaker.Execute(func() (err error) {
			out, err = fn(b.name, b.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		last = err
		logSkip(b.name, err)
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, last)
}

func logSkip(name string, err error) {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		slog.Debug("provider skipped, circuit open", "provider", name)
	case errors.Is(err, ErrRejected):
		slog.Info("provider result rejected", "provider", name, "reason", err)
	default:
		slog.Warn("provider failed", "provider", name, "err", err)
	}
}
