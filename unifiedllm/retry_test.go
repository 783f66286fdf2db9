package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, p.Delay(i), "attempt %d", i)
	}

	p.MaxDelay = 5 * time.Second
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestRetryPolicyDelayJitter(t *testing.T) {
	p := DefaultRetryPolicy()
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	var retried []int
	p := fastPolicy(2)
	p.OnRetry = func(err error, attempt int, delay time.Duration) { retried = append(retried, attempt) }

	calls := 0
	got, err := Retry(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &ServerError{}
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		return 0, &RateLimitError{}
	})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, &AuthenticationError{}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour, Multiplier: 1}
	p.OnRetry = func(error, int, time.Duration) { cancel() }

	_, err := Retry(ctx, p, func(ctx context.Context) (int, error) {
		return 0, errors.New("flaky")
	})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryingAdapter(t *testing.T) {
	inner := &mockAdapter{name: "groq", errs: []error{&ServerError{}}}
	a := RetryingAdapter{ProviderAdapter: inner, Policy: fastPolicy(2)}

	assert.Equal(t, "groq", a.Name())
	resp, err := a.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok from groq", resp.Text())
	assert.Equal(t, 2, inner.calls())
}
