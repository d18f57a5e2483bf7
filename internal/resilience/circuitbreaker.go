// Package resilience provides the circuit breaker and failover group the
// tiered store uses to route around a failing primary tier.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops calling a tier after repeated failures and probes it again after a
// cool-down. [FallbackGroup] puts one breaker in front of every entry and
// tries entries in order.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call and counts consecutive failures.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. One failure
	// re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker]. Zero values
// select the defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and in OnStateChange.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is the cool-down before an open breaker admits probes.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget and the number of successful
	// probes needed to close. Default 3.
	HalfOpenMax int

	// Ignore, if set, marks errors that pass through without counting as a
	// failure or a success (for example a caller cancelling its context).
	Ignore func(err error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to step through the cool-down.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // time of the failure that opened the breaker
	probes   int       // probes admitted in the current half-open window
	passed   int       // probes that succeeded in the current window
}

// NewCircuitBreaker creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker rejects the call, in which case it
// returns [ErrCircuitOpen] without calling fn. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	if err != nil && cb.cfg.Ignore != nil && cb.cfg.Ignore(err) {
		cb.release(probe)
		return err
	}
	cb.record(probe, err == nil)
	return err
}

// admit decides whether a call may run and reports whether it is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.passed = 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			cb.notify(from, StateHalfOpen)
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return probe, nil
}

// release returns an unused probe slot.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.mu.Unlock()
}

// record applies the outcome of an admitted call.
func (cb *CircuitBreaker) record(probe, ok bool) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case ok && !probe:
		cb.failures = 0
	case ok && cb.state == StateHalfOpen:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
		}
	case !ok && probe:
		cb.trip()
	case !ok && cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the breaker. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.cfg.Now()
	cb.probes, cb.passed = 0, 0
}

func (cb *CircuitBreaker) notify(from, to State) {
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

// State returns the current state. An open breaker whose cool-down has
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
