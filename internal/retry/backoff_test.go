package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func fastConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestWithBackoffSucceedsFirstTry(t *testing.T) {
	calls := 0
	result := WithBackoff(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	}, zerolog.Nop())

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
}

func TestWithBackoffRetriesTransientErrors(t *testing.T) {
	calls := 0
	result := WithBackoff(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	}, zerolog.Nop())

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
}

func TestWithBackoffFailsFastOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("invalid api key")
	result := WithBackoff(context.Background(), fastConfig(), func() error {
		calls++
		return permanent
	}, zerolog.Nop())

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls, "permanent errors are not retried")
	assert.Equal(t, permanent, result.LastError)
}

func TestWithBackoffExhaustsRetries(t *testing.T) {
	calls := 0
	result := WithBackoff(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("rate limit exceeded")
	}, zerolog.Nop())

	assert.False(t, result.Success)
	assert.Equal(t, 4, calls, "initial attempt plus MaxRetries")
}

func TestWithBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := WithBackoff(ctx, Config{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}, func() error {
		calls++
		cancel()
		return errors.New("timeout")
	}, zerolog.Nop())

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	config := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0}

	assert.Equal(t, time.Second, calculateDelay(config, 0))
	assert.Equal(t, 2*time.Second, calculateDelay(config, 1))
	assert.Equal(t, 4*time.Second, calculateDelay(config, 2))
	assert.Equal(t, 10*time.Second, calculateDelay(config, 5), "capped at MaxDelay")
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("429 Too Many Requests")))
	assert.True(t, IsRetryable(errors.New("connection refused")))
	assert.True(t, IsRetryable(errors.New("Rate Limit hit")))
	assert.False(t, IsRetryable(errors.New("invalid request")))
}
