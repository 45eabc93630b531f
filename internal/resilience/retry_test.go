package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoValRetriesTransientErrors(t *testing.T) {
	attempts := 0
	val, err := DoVal(context.Background(), RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", NewTransientError(errors.New("overloaded"), 529)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, attempts)
}

func TestDoValStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := DoVal(context.Background(), RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}, func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("schema validation failed")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoValExhaustsAttempts(t *testing.T) {
	attempts := 0
	var retried []int
	cfg := RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}
	_, err := DoVal(context.Background(), cfg, func(context.Context) (int, error) {
		attempts++
		return 0, NewTransientError(errors.New("rate limit"), 429)
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoValFixedDelay(t *testing.T) {
	start := time.Now()
	attempts := 0
	_, _ = DoVal(context.Background(), RetryConfig{MaxAttempts: 3, Delay: 20 * time.Millisecond}, func(context.Context) (int, error) {
		attempts++
		return 0, NewTransientError(errors.New("overloaded"), 503)
	})
	elapsed := time.Since(start)
	assert.Equal(t, 3, attempts)
	// Two sleeps of 20ms each, fixed spacing.
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, RetryConfig{MaxAttempts: 5, Delay: time.Hour}, func(context.Context) error {
		attempts++
		cancel()
		return NewTransientError(errors.New("timeout"), 504)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(errors.New("x"), 503)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("429 too many requests")))
	assert.True(t, IsTransient(errors.New("anthropic: overloaded_error")))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("invalid model name")))
	assert.False(t, IsTransient(NewBadRequestError(errors.New("bad prompt"))))
}

func TestBadRequestNeverRetried(t *testing.T) {
	// A bad request wrapping a transient-looking message must still be final.
	err := NewBadRequestError(errors.New("rate limit field invalid"))
	assert.True(t, IsBadRequest(err))
	assert.False(t, IsTransient(err))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
