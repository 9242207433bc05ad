package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDoFirstAttemptSucceeds(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRecoversAfterTransientFailures(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("schedule download interrupted"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return NewTransientError(errors.New("registry unreachable"), 502)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry unreachable")
	assert.Equal(t, 3, calls)
}

func TestDoPermanentErrorFailsFast(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		calls++
		return errors.New("code 99999999 is not a valid HS code")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond}

	var calls int
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestDoCustomShouldRetry(t *testing.T) {
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	var calls int
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoOnRetryAttemptNumbers(t *testing.T) {
	cfg := fastRetry(3)
	var attempts []int
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	_ = Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(errors.New("fail"), 500)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoValReturnsValue(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(errors.New("fail"), 500)
		}
		return "5.3%", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "5.3%", val)
	assert.Equal(t, 2, calls)
}

func TestDoValZeroValueOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastRetry(2), func(context.Context) (int, error) {
		return 42, NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.Zero(t, val)
}

func TestDoZeroConfigUsesDefaults(t *testing.T) {
	var calls int
	err := Do(context.Background(), RetryConfig{}, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2.0,
	}

	start := time.Now()
	_ = Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(errors.New("fail"), 500)
	})
	elapsed := time.Since(start)

	// Sleeps 1+2+4+4ms between the five attempts, no jitter configured.
	assert.GreaterOrEqual(t, elapsed, 11*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestJitterSpreadsDelays(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	seen := make(map[time.Duration]bool)
	for range 100 {
		d := jitter(base, 0.5)
		seen[d] = true
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
	assert.Greater(t, len(seen), 1, "jitter should vary delays")
}

func TestJitterZeroFractionPassthrough(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Second, jitter(time.Second, 0))
}

func TestRetryLoggerDoesNotPanic(t *testing.T) {
	t.Parallel()
	log := RetryLogger("hts_db", "lookup")
	log(1, errors.New("connection reset by peer"))
}
