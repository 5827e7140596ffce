package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(timeout time.Duration) *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
}

func failCall(cb *CircuitBreaker) error {
	_, err := cb.Execute(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	return err
}

func okCall(cb *CircuitBreaker) (any, error) {
	return cb.Execute(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	})
}

func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := New(testConfig(time.Second))

	for i := 0; i < 10; i++ {
		v, err := okCall(cb)
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig(time.Minute))

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, cb.State())
		require.Error(t, failCall(cb))
	}
	assert.Equal(t, StateOpen, cb.State())

	_, err := okCall(cb)
	assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker rejects without invoking")
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(testConfig(time.Minute))

	require.Error(t, failCall(cb))
	require.Error(t, failCall(cb))
	_, err := okCall(cb)
	require.NoError(t, err)
	require.Error(t, failCall(cb))
	require.Error(t, failCall(cb))

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	cb := New(testConfig(20 * time.Millisecond))

	for i := 0; i < 3; i++ {
		require.Error(t, failCall(cb))
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// One successful probe closes the breaker (MaxRequests=1).
	_, err := okCall(cb)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig(20 * time.Millisecond))

	for i := 0; i < 3; i++ {
		require.Error(t, failCall(cb))
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.Error(t, failCall(cb))
	assert.Equal(t, StateOpen, cb.State())
}

func TestAnalyzerConfig(t *testing.T) {
	cfg := AnalyzerConfig()
	assert.Equal(t, "threat-analyzer", cfg.Name)
	assert.False(t, cfg.ReadyToTrip(Counts{ConsecutiveFailures: 2}))
	assert.True(t, cfg.ReadyToTrip(Counts{ConsecutiveFailures: 3}))
}
