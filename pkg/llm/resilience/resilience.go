// Package resilience 为 LLM 供应商调用提供重试和熔断。
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/pkg/llm"
)

// RetryConfig 指数退避重试配置。
type RetryConfig struct {
	// MaxAttempts 总尝试次数（含首次），小于 1 按 1 处理。
	MaxAttempts int
	// InitialDelay 第一次重试前的等待。
	InitialDelay time.Duration
	// MaxDelay 单次等待上限，0 表示不设上限。
	MaxDelay time.Duration
	// Multiplier 每次重试后延迟的倍数，小于 1 按 1 处理。
	Multiplier float64
	// RetryableErrors 判断错误是否值得重试，为空时所有错误都重试。
	RetryableErrors func(error) bool
	// OnRetry 在每次等待重试前调用，attempt 为刚失败的尝试序号。
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig 返回 embedding 调用使用的默认重试配置。
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// delay 返回第 attempt 次失败后的等待时间。
func (c *RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= max(c.Multiplier, 1)
		if c.MaxDelay > 0 && d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return time.Duration(d)
}

// RetryWithBackoff 执行 fn，失败且可重试时按指数退避重试。
// 等待期间 ctx 取消则立即返回 ctx.Err()。
func RetryWithBackoff(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return err
		}
		if attempts == 1 {
			return err
		}
		if attempt >= attempts {
			logger.Warnw("llm call failed after retries", "attempts", attempt, "error", err.Error())
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt, err)
		}
		wait := config.delay(attempt)
		logger.Debugw("retrying llm call", "attempt", attempt, "delay", wait.String(), "error", err.Error())

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// CircuitBreakerState 熔断器状态。
type CircuitBreakerState int

const (
	// StateClosed 正常放行。
	StateClosed CircuitBreakerState = iota
	// StateOpen 拒绝所有调用，直到冷却结束。
	StateOpen
	// StateHalfOpen 冷却结束，放行有限次数的试探调用。
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// ErrCircuitBreakerOpen 熔断器拒绝调用时返回。
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig 熔断器配置。
type CircuitBreakerConfig struct {
	// Name 出现在日志中，例如 "embedding" 或 "chat"。
	Name string
	// MaxFailures 连续失败多少次后打开。
	MaxFailures int
	// Timeout 打开后的冷却时间。
	Timeout time.Duration
	// HalfOpenMaxCalls 半开状态下允许同时进行的试探调用数。
	HalfOpenMaxCalls int
	// OnStateChange 状态变化时在持锁外调用。
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig 返回默认熔断器配置。
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:      5,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker 统计供应商的连续失败，失败过多时短路后续调用。
type CircuitBreaker struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	openedAt  time.Time
	inFlight  int // 半开状态下尚未返回的试探调用
	succeeded int // 半开状态下已成功的试探调用
}

// NewCircuitBreaker 创建熔断器，config 为 nil 时使用默认配置。
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	cfg := *config
	cfg.MaxFailures = max(cfg.MaxFailures, 1)
	cfg.HalfOpenMaxCalls = max(cfg.HalfOpenMaxCalls, 1)
	return &CircuitBreaker{config: cfg, now: time.Now}
}

// Execute 在熔断器允许时执行 fn。
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn()
	cb.release(err)
	return err
}

// State 返回当前状态。冷却结束但尚无调用时仍报告 open。
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	var from CircuitBreakerState
	changed := false

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		from, changed = cb.transition(StateHalfOpen)
		cb.inFlight++
	case StateHalfOpen:
		if cb.inFlight >= cb.config.HalfOpenMaxCalls {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		cb.inFlight++
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) release(err error) {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	var from, to CircuitBreakerState
	changed := false
	switch {
	case !countsAsFailure(err):
		if err == nil {
			switch cb.state {
			case StateClosed:
				cb.failures = 0
			case StateHalfOpen:
				cb.succeeded++
				if cb.succeeded >= cb.config.HalfOpenMaxCalls || cb.inFlight == 0 {
					to = StateClosed
					from, changed = cb.transition(to)
				}
			}
		}
	default:
		cb.failures++
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) {
			to = StateOpen
			from, changed = cb.transition(to)
		}
	}
	failures := cb.failures
	cb.mu.Unlock()

	if changed {
		if to == StateOpen {
			logger.Warnw("circuit breaker opened", "breaker", cb.config.Name, "failures", failures, "cooldown", cb.config.Timeout.String())
		}
		cb.notify(from, to)
	}
}

// transition 必须持锁调用。
func (cb *CircuitBreaker) transition(to CircuitBreakerState) (CircuitBreakerState, bool) {
	from := cb.state
	if from == to {
		return from, false
	}
	cb.state = to
	cb.succeeded = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		cb.inFlight = 0
	case StateClosed:
		cb.failures = 0
		cb.inFlight = 0
	}
	return from, true
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	logger.Infow("circuit breaker state changed", "breaker", cb.config.Name, "from", from.String(), "to", to.String())
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// countsAsFailure 只统计反映供应商健康状况的错误：调用方取消、
// 以及请求本身有问题的 4xx（400、404、413、422 等）不计入。
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *llm.StatusError
	if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return false
	}
	return true
}

// RetryWithCircuitBreaker 每次尝试都经过熔断器。
func RetryWithCircuitBreaker(ctx context.Context, retryConfig *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return RetryWithBackoff(ctx, retryConfig, func() error {
		return cb.Execute(fn)
	})
}
