// Package resilience provides the circuit breaker primitives that guard every
// external dependency: model providers, the cache, and the record store.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open). Breakers are owned by a [Registry] so that all
// callers protecting the same dependency share one breaker and one view of
// its health.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Do] when the breaker rejects
// a request without invoking the protected call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state, all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout.
	// Calls are allowed through; enough consecutive successes close the
	// breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Default breaker tuning.
const (
	// DefaultFailureThreshold is the number of consecutive failures in the
	// closed state before the breaker opens.
	DefaultFailureThreshold = 5

	// DefaultResetTimeout is how long the breaker stays open before probing.
	DefaultResetTimeout = 60 * time.Second

	// DefaultSuccessThreshold is the number of consecutive half-open
	// successes required to close the breaker.
	DefaultSuccessThreshold = 2
)

// TransitionObserver is notified on every state change. Used to feed metrics.
// Observers must be non-blocking.
type TransitionObserver func(name string, from, to State)

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name labels the protected dependency in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive closed-state failures
	// before the breaker opens. Default: [DefaultFailureThreshold].
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a
	// probe. Default: [DefaultResetTimeout].
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes that
	// close the breaker. Default: [DefaultSuccessThreshold].
	SuccessThreshold int

	// OnTransition is invoked on every state change. Optional.
	OnTransition TransitionObserver
}

// Stats is a point-in-time snapshot of a breaker, suitable for health
// reporting.
type Stats struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	LastFailureAt    time.Time `json:"last_failure_at,omitzero"`
	LastTransitionAt time.Time `json:"last_transition_at,omitzero"`
}

// CircuitBreaker implements the three-state circuit breaker pattern with an
// explicit allow/record API: callers ask [CircuitBreaker.Allow] before the
// protected call and report the outcome with [CircuitBreaker.RecordSuccess]
// or [CircuitBreaker.RecordFailure]. [CircuitBreaker.Do] wraps all three.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	successThreshold int
	onTransition     TransitionObserver

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	lastFailure    time.Time
	lastTransition time.Time
}

// New creates a [CircuitBreaker] with the supplied configuration. Zero-value
// config fields are replaced with the defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		successThreshold: cfg.SuccessThreshold,
		onTransition:     cfg.OnTransition,
		state:            StateClosed,
	}
}

// Allow reports whether a request may proceed. When the breaker is open and
// the reset timeout has elapsed, Allow performs the transition to half-open
// and admits the request as a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.transition(StateHalfOpen)
			cb.successes = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful protected call. In half-open,
// SuccessThreshold consecutive successes close the breaker; in closed it
// clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed)
			cb.failures = 0
			cb.successes = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

// RecordFailure reports a failed protected call. In half-open any failure
// re-opens the breaker; in closed, FailureThreshold consecutive failures
// open it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
		cb.successes = 0
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// Do runs fn under the breaker: rejected requests return [ErrCircuitOpen]
// without invoking fn, and fn's outcome is recorded.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the current [State] of the breaker. A stale open state is
// reported as open; the half-open transition happens on the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Stats returns a snapshot for health reporting.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.name,
		State:            cb.state.String(),
		FailureCount:     cb.failures,
		SuccessCount:     cb.successes,
		LastFailureAt:    cb.lastFailure,
		LastTransitionAt: cb.lastTransition,
	}
}

// Reset manually forces the breaker back to closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	cb.failures = 0
	cb.successes = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

// transition moves the breaker to a new state. Must be called with cb.mu
// held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastTransition = time.Now()

	if to == StateOpen {
		slog.Warn("circuit breaker state change",
			"name", cb.name, "from", from.String(), "to", to.String(),
			"failures", cb.failures)
	} else {
		slog.Info("circuit breaker state change",
			"name", cb.name, "from", from.String(), "to", to.String())
	}

	if cb.onTransition != nil {
		cb.onTransition(cb.name, from, to)
	}
}
