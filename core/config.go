package core

import (
	"os"
	"strconv"
	"time"
)

// Config holds the engine-wide configuration knobs. It supports two-layer
// priority: defaults first, then FLOWSTACK_* environment variables via
// LoadFromEnv. Callers may override fields directly afterwards.
type Config struct {
	Retry    RetryConfig    `json:"retry"`
	Breaker  BreakerConfig  `json:"breaker"`
	Timeouts TimeoutConfig  `json:"timeouts"`
	Hybrid   HybridConfig   `json:"hybrid"`
	Parallel ParallelConfig `json:"parallel"`
}

// RetryConfig configures the retry engine defaults.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts" env:"FLOWSTACK_RETRY_MAX_ATTEMPTS"`
	InitialDelay      time.Duration `json:"initial_delay" env:"FLOWSTACK_RETRY_INITIAL_DELAY"`
	MaxDelay          time.Duration `json:"max_delay" env:"FLOWSTACK_RETRY_MAX_DELAY"`
	BackoffMultiplier float64       `json:"backoff_multiplier" env:"FLOWSTACK_RETRY_BACKOFF_MULTIPLIER"`
}

// BreakerConfig configures per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold      int           `json:"failure_threshold" env:"FLOWSTACK_BREAKER_FAILURE_THRESHOLD"`
	FailureWindow         time.Duration `json:"failure_window" env:"FLOWSTACK_BREAKER_FAILURE_WINDOW"`
	ResetTimeout          time.Duration `json:"reset_timeout" env:"FLOWSTACK_BREAKER_RESET_TIMEOUT"`
	SuccessThreshold      int           `json:"success_threshold" env:"FLOWSTACK_BREAKER_SUCCESS_THRESHOLD"`
	HalfOpenMaxConcurrent int           `json:"half_open_max_concurrent" env:"FLOWSTACK_BREAKER_HALF_OPEN_MAX"`
}

// TimeoutConfig configures the engine's hard time limits.
type TimeoutConfig struct {
	NodeDefault    time.Duration `json:"node_default" env:"FLOWSTACK_TIMEOUT_NODE"`
	SandboxDefault time.Duration `json:"sandbox_default" env:"FLOWSTACK_TIMEOUT_SANDBOX"`
	HybridCode     time.Duration `json:"hybrid_code" env:"FLOWSTACK_TIMEOUT_HYBRID_CODE"`
	Webhook        time.Duration `json:"webhook" env:"FLOWSTACK_TIMEOUT_WEBHOOK"`
	StreamIdle     time.Duration `json:"stream_idle" env:"FLOWSTACK_TIMEOUT_STREAM_IDLE"`
}

// HybridConfig configures hybrid AI/code routing.
type HybridConfig struct {
	// ThresholdPercent is the minimum pattern-match confidence (0-100)
	// required to take the generated-code path.
	ThresholdPercent int `json:"threshold_percent" env:"FLOWSTACK_HYBRID_THRESHOLD"`
}

// ParallelConfig configures the parallel executor fan-out.
type ParallelConfig struct {
	// MaxConcurrency bounds in-flight chunks. Zero means unbounded.
	MaxConcurrency int `json:"max_concurrency" env:"FLOWSTACK_PARALLEL_MAX_CONCURRENCY"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelay:      1 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold:      5,
			FailureWindow:         60 * time.Second,
			ResetTimeout:          30 * time.Second,
			SuccessThreshold:      3,
			HalfOpenMaxConcurrent: 3,
		},
		Timeouts: TimeoutConfig{
			NodeDefault:    30 * time.Second,
			SandboxDefault: 30 * time.Second,
			HybridCode:     5 * time.Second,
			Webhook:        10 * time.Second,
			StreamIdle:     30 * time.Second,
		},
		Hybrid:   HybridConfig{ThresholdPercent: 80},
		Parallel: ParallelConfig{MaxConcurrency: 0},
	}
}

// LoadFromEnv overlays FLOWSTACK_* environment variables on the config.
// Unset or malformed variables leave the current value untouched.
func (c *Config) LoadFromEnv() {
	envInt("FLOWSTACK_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	envDuration("FLOWSTACK_RETRY_INITIAL_DELAY", &c.Retry.InitialDelay)
	envDuration("FLOWSTACK_RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	envFloat("FLOWSTACK_RETRY_BACKOFF_MULTIPLIER", &c.Retry.BackoffMultiplier)

	envInt("FLOWSTACK_BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold)
	envDuration("FLOWSTACK_BREAKER_FAILURE_WINDOW", &c.Breaker.FailureWindow)
	envDuration("FLOWSTACK_BREAKER_RESET_TIMEOUT", &c.Breaker.ResetTimeout)
	envInt("FLOWSTACK_BREAKER_SUCCESS_THRESHOLD", &c.Breaker.SuccessThreshold)
	envInt("FLOWSTACK_BREAKER_HALF_OPEN_MAX", &c.Breaker.HalfOpenMaxConcurrent)

	envDuration("FLOWSTACK_TIMEOUT_NODE", &c.Timeouts.NodeDefault)
	envDuration("FLOWSTACK_TIMEOUT_SANDBOX", &c.Timeouts.SandboxDefault)
	envDuration("FLOWSTACK_TIMEOUT_HYBRID_CODE", &c.Timeouts.HybridCode)
	envDuration("FLOWSTACK_TIMEOUT_WEBHOOK", &c.Timeouts.Webhook)
	envDuration("FLOWSTACK_TIMEOUT_STREAM_IDLE", &c.Timeouts.StreamIdle)

	envInt("FLOWSTACK_HYBRID_THRESHOLD", &c.Hybrid.ThresholdPercent)
	envInt("FLOWSTACK_PARALLEL_MAX_CONCURRENCY", &c.Parallel.MaxConcurrency)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if ms, err := strconv.Atoi(v); err == nil {
			// Bare integers are milliseconds for wire-config parity.
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
