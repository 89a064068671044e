package resilience

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/llm"
)

var errUpstream = &llm.StatusError{Provider: "test", StatusCode: http.StatusBadGateway}

// fakeClock 手动推进的时钟。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type transition struct{ from, to CircuitBreakerState }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock, *[]transition) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var seen []transition
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "test",
		MaxFailures:      maxFailures,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
		OnStateChange: func(name string, from, to CircuitBreakerState) {
			seen = append(seen, transition{from, to})
		},
	})
	cb.now = clock.Now
	return cb, clock, &seen
}

func fail(err error) func() error { return func() error { return err } }

func succeed() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _, seen := newTestBreaker(3)

	for range 2 {
		assert.ErrorIs(t, cb.Execute(fail(errUpstream)), errUpstream)
	}
	require.NoError(t, cb.Execute(succeed), "success resets the count")
	for range 3 {
		_ = cb.Execute(fail(errUpstream))
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *seen)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	cb, clock, seen := newTestBreaker(1)
	_ = cb.Execute(fail(errUpstream))

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitBreakerOpen)

	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, *seen)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(2)
	_ = cb.Execute(fail(errUpstream))
	_ = cb.Execute(fail(errUpstream))

	clock.Advance(time.Minute)
	assert.ErrorIs(t, cb.Execute(fail(errUpstream)), errUpstream)
	assert.Equal(t, StateOpen, cb.State())

	// 冷却从重新打开时算起
	clock.Advance(10 * time.Second)
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitBreakerOpen)
}

func TestBreakerHalfOpenLimitsConcurrentTrials(t *testing.T) {
	cb, clock, _ := newTestBreaker(1)
	_ = cb.Execute(fail(errUpstream))
	clock.Advance(time.Minute)

	started, release := make(chan struct{}), make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitBreakerOpen, "only one trial at a time")
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerIgnoresCallerAndRequestErrors(t *testing.T) {
	cb, _, seen := newTestBreaker(1)

	ignored := []error{
		context.Canceled,
		&llm.StatusError{Provider: "test", StatusCode: http.StatusBadRequest},
		&llm.StatusError{Provider: "test", StatusCode: http.StatusRequestEntityTooLarge},
	}
	for _, err := range ignored {
		assert.ErrorIs(t, cb.Execute(fail(err)), err)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Empty(t, *seen)

	counted := []error{
		context.DeadlineExceeded,
		&llm.StatusError{Provider: "test", StatusCode: http.StatusUnauthorized},
		&llm.StatusError{Provider: "test", StatusCode: http.StatusTooManyRequests},
		errors.New("connection refused"),
	}
	for _, err := range counted {
		assert.True(t, countsAsFailure(err), err.Error())
	}
}

func TestBreakerHalfOpenCancelledTrialFreesSlot(t *testing.T) {
	cb, clock, _ := newTestBreaker(1)
	_ = cb.Execute(fail(errUpstream))
	clock.Advance(time.Minute)

	_ = cb.Execute(fail(context.Canceled))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestRetryWithBackoff(t *testing.T) {
	permanent := errors.New("permanent")

	tests := []struct {
		name      string
		attempts  int
		failFirst int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"first call succeeds", 3, 0, errUpstream, 1, false},
		{"succeeds on last attempt", 3, 2, errUpstream, 3, false},
		{"exhausted", 3, 10, errUpstream, 3, true},
		{"not retryable", 3, 10, permanent, 1, true},
		{"zero attempts runs once", 0, 10, errUpstream, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastRetryConfig(tt.attempts)
			cfg.RetryableErrors = func(err error) bool { return !errors.Is(err, permanent) }

			calls := 0
			err := RetryWithBackoff(context.Background(), cfg, func() error {
				calls++
				if calls <= tt.failFirst {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRetryWithBackoffReportsAttempts(t *testing.T) {
	var attempts []int
	cfg := fastRetryConfig(3)
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }

	err := RetryWithBackoff(context.Background(), cfg, fail(errUpstream))
	assert.ErrorContains(t, err, "giving up after 3 attempts")
	assert.Equal(t, []int{1, 2}, attempts, "no callback after the final failure")
}

func TestRetryWithBackoffStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}

	calls := 0
	err := RetryWithBackoff(ctx, cfg, func() error {
		calls++
		cancel()
		return errUpstream
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3}
	assert.Equal(t, 100*time.Millisecond, cfg.delay(1))
	assert.Equal(t, 300*time.Millisecond, cfg.delay(2))
	assert.Equal(t, 900*time.Millisecond, cfg.delay(3))
	assert.Equal(t, time.Second, cfg.delay(4))

	flat := &RetryConfig{InitialDelay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, flat.delay(5), "multiplier below 1 keeps the delay flat")
}

func TestRetryWithCircuitBreakerStopsWhenOpen(t *testing.T) {
	cb, _, _ := newTestBreaker(2)
	cfg := fastRetryConfig(5)
	cfg.RetryableErrors = IsRetryableError

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), cfg, cb, func() error {
		calls++
		return errUpstream
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, 2, calls, "the open breaker ends the retry loop")
}

func TestDefaultConfigs(t *testing.T) {
	retry := DefaultRetryConfig()
	assert.Equal(t, 3, retry.MaxAttempts)
	assert.Nil(t, retry.RetryableErrors)

	cb := NewCircuitBreaker(nil)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, cb.config.MaxFailures)
	assert.Equal(t, time.Minute, cb.config.Timeout)
}
