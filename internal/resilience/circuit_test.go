package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trippedBreaker(t *testing.T, cfg CircuitBreakerConfig) *CircuitBreaker {
	t.Helper()
	cb := NewCircuitBreaker(cfg)
	for range cb.cfg.FailureThreshold {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return eris.New("scrape upstream unavailable")
		})
	}
	require.Equal(t, CircuitOpen, cb.State())
	return cb
}

func TestCircuitClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := range 3 {
		err := cb.Execute(context.Background(), func(context.Context) error {
			return eris.New("hts page timeout")
		})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen, "attempt %d should reach the upstream", i+1)
	}

	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Fatal("open circuit must not call through")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	fail := func(context.Context) error { return eris.New("fail") }
	ok := func(context.Context) error { return nil }

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	require.NoError(t, cb.Execute(context.Background(), ok))

	failures, state := cb.Counters()
	assert.Zero(t, failures)
	assert.Equal(t, CircuitClosed, state)
}

func TestCircuitHalfOpenProbeCloses(t *testing.T) {
	cb := trippedBreaker(t, CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	cb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error {
		return nil
	}))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitHalfOpenFailureReopens(t *testing.T) {
	cb := trippedBreaker(t, CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	probeTime := time.Now().Add(2 * time.Minute)
	cb.now = func() time.Time { return probeTime }

	err := cb.Execute(context.Background(), func(context.Context) error {
		return eris.New("still down")
	})
	require.Error(t, err)

	_, state := cb.Counters()
	assert.Equal(t, CircuitOpen, state)

	// The failed probe restarts the reset clock.
	err = cb.Execute(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitShouldTripFilter(t *testing.T) {
	benign := eris.New("code not listed in schedule")
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, benign) },
	})

	for range 5 {
		_ = cb.Execute(context.Background(), func(context.Context) error { return benign })
	}
	assert.Equal(t, CircuitClosed, cb.State(), "filtered errors must not trip the breaker")

	_ = cb.Execute(context.Background(), func(context.Context) error {
		return eris.New("connection refused")
	})
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitReset(t *testing.T) {
	cb := trippedBreaker(t, CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	failures, _ := cb.Counters()
	assert.Zero(t, failures)

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
}

func TestCircuitOnStateChange(t *testing.T) {
	var transitions []string
	cfg := CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}
	cb := NewCircuitBreaker(cfg)

	_ = cb.Execute(context.Background(), func(context.Context) error {
		return eris.New("fail")
	})
	cb.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestExecuteValReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	val, err := ExecuteVal(context.Background(), cb, func(context.Context) (string, error) {
		return "2.9%", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2.9%", val)
}

func TestExecuteValZeroOnOpenCircuit(t *testing.T) {
	cb := trippedBreaker(t, CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	val, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		return 42, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, val)
}

func TestCircuitStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

func TestCircuitConcurrentExecute(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 50, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(context.Context) error {
				if fail {
					return eris.New("fail")
				}
				return nil
			})
		}(i%2 == 0)
	}
	wg.Wait()

	// Threshold was never reached, so the breaker stays closed.
	assert.Equal(t, CircuitClosed, cb.State())
}
