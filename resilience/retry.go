package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/flowstack-io/flowstack/core"
)

// RetryPolicy configures retry behavior for a single operation.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// OnRetry is invoked before each backoff sleep. Hook panics are
	// swallowed; a broken hook must never break the retried operation.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Classify decides whether an error may be retried. Defaults to
	// core.IsRetryable.
	Classify func(err error) bool

	Logger core.Logger
}

// DefaultRetryPolicy returns the engine defaults: 3 attempts, 1s initial
// delay, 30s cap, exponential doubling.
func DefaultRetryPolicy() RetryPolicy {
	return PolicyFromConfig(core.DefaultConfig().Retry)
}

// PolicyFromConfig builds a RetryPolicy from the engine config knobs.
func PolicyFromConfig(cfg core.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       cfg.MaxAttempts,
		InitialDelay:      cfg.InitialDelay,
		MaxDelay:          cfg.MaxDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
	}
}

// Delay returns the backoff delay for the given 1-based attempt, excluding
// jitter: min(initial * multiplier^(attempt-1), max). Monotonic in attempt
// up to the cap.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// jitter spreads a delay by ±25% to avoid synchronized retries across
// concurrent executions.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * spread)
}

// Retry executes fn, retrying transient failures with exponential backoff
// and jitter. Errors are classified through the core taxonomy: only
// retryable kinds (network, connection, rate limit, provider unavailable,
// timeouts, resource exhaustion, or explicitly retryable errors) are
// attempted again. Cancellation during a backoff sleep surfaces as
// EXECUTION_CANCELLED.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 2.0
	}
	classify := policy.Classify
	if classify == nil {
		classify = core.IsRetryable
	}
	logger := policy.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	var lastErr *core.FlowError
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return core.NewCancelledError("cancelled before attempt").WithAttempt(attempt, policy.MaxAttempts)
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = core.Adapt(err).WithAttempt(attempt, policy.MaxAttempts)
		if core.IsCancelled(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts || !classify(lastErr) {
			return lastErr
		}

		delay := jitter(policy.Delay(attempt))
		logger.Warn("Retrying after transient failure", map[string]interface{}{
			"operation":    "retry_backoff",
			"attempt":      attempt,
			"max_attempts": policy.MaxAttempts,
			"delay_ms":     delay.Milliseconds(),
			"error_kind":   string(lastErr.Kind),
			"error":        lastErr.Error(),
		})
		invokeRetryHook(policy.OnRetry, lastErr, attempt, delay, logger)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.NewCancelledError("cancelled during retry backoff").WithAttempt(attempt, policy.MaxAttempts)
		case <-timer.C:
		}
	}
	return lastErr
}

// invokeRetryHook calls the OnRetry hook, swallowing panics.
func invokeRetryHook(hook func(error, int, time.Duration), err error, attempt int, delay time.Duration, logger core.Logger) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Retry hook panicked", map[string]interface{}{
				"operation": "retry_hook_panic",
				"panic":     r,
				"attempt":   attempt,
			})
		}
	}()
	hook(err, attempt, delay)
}

// RetryWithBreaker runs fn under both the breaker and the retry policy: the
// breaker gates and records every attempt, so repeated transient failures
// trip it while successful probes close it again. A CIRCUIT_OPEN rejection
// is never retried.
func RetryWithBreaker(ctx context.Context, policy RetryPolicy, breaker *Breaker, fn func(ctx context.Context) error) error {
	return Retry(ctx, policy, func(ctx context.Context) error {
		return breaker.Execute(ctx, fn)
	})
}
