// Package resilience provides retry and circuit breaker support for calls
// to official tariff sources and AI extraction services.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is one of closed, open, or half-open.
type CircuitState int

const (
	// CircuitClosed lets requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits probe requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned for calls rejected while the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls when the breaker trips and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before admitting
	// probes.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is how many probes must succeed before the
	// circuit closes again.
	HalfOpenMaxProbes int

	// ShouldTrip decides which errors count as failures. Nil counts
	// every non-nil error.
	ShouldTrip func(err error) bool

	// OnStateChange observes transitions.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig suits a scrape pipeline hitting one agency
// site: trip after five straight failures, probe again after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker guards a single upstream source.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu           sync.Mutex
	state        CircuitState
	failures     int
	lastFailure  time.Time
	probeSuccess int
	now          func() time.Time
}

// NewCircuitBreaker builds a closed breaker, filling zero config fields
// with the defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed, now: time.Now}
}

// Execute runs fn unless the circuit is open. The result feeds the
// breaker's failure accounting.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for calls that produce a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.admit() {
		return zero, ErrCircuitOpen
	}

	val, err := fn(ctx)
	cb.observe(err)
	if err != nil {
		return zero, err
	}
	return val, nil
}

// State reports the effective state, surfacing half-open once an open
// circuit's reset timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the circuit closed and clears failure accounting.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	prev := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probeSuccess = 0
	if prev != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(prev, CircuitClosed)
	}
}

// Counters exposes the consecutive failure count and raw state.
func (cb *CircuitBreaker) Counters() (failures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.state
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) < cb.cfg.ResetTimeout {
			return false
		}
		cb.shift(CircuitHalfOpen)
	}
	return true
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	trips := err != nil
	if trips && cb.cfg.ShouldTrip != nil {
		trips = cb.cfg.ShouldTrip(err)
	}

	if !trips {
		switch cb.state {
		case CircuitHalfOpen:
			cb.probeSuccess++
			if cb.probeSuccess >= cb.cfg.HalfOpenMaxProbes {
				cb.shift(CircuitClosed)
				cb.failures = 0
				cb.probeSuccess = 0
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.shift(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.shift(CircuitOpen)
		cb.probeSuccess = 0
	}
}

func (cb *CircuitBreaker) shift(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
