package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1*time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 3, cfg.Breaker.HalfOpenMaxConcurrent)

	assert.Equal(t, 30*time.Second, cfg.Timeouts.NodeDefault)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.SandboxDefault)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.HybridCode)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Webhook)

	assert.Equal(t, 80, cfg.Hybrid.ThresholdPercent)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("FLOWSTACK_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("FLOWSTACK_RETRY_INITIAL_DELAY", "250ms")
	t.Setenv("FLOWSTACK_BREAKER_FAILURE_THRESHOLD", "9")
	t.Setenv("FLOWSTACK_TIMEOUT_WEBHOOK", "2s")
	t.Setenv("FLOWSTACK_HYBRID_THRESHOLD", "60")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Webhook)
	assert.Equal(t, 60, cfg.Hybrid.ThresholdPercent)
}

func TestLoadFromEnvBareMilliseconds(t *testing.T) {
	t.Setenv("FLOWSTACK_TIMEOUT_NODE", "15000")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()
	assert.Equal(t, 15*time.Second, cfg.Timeouts.NodeDefault)
}

func TestLoadFromEnvIgnoresMalformed(t *testing.T) {
	t.Setenv("FLOWSTACK_RETRY_MAX_ATTEMPTS", "lots")
	t.Setenv("FLOWSTACK_TIMEOUT_NODE", "soon")

	cfg := DefaultConfig()
	cfg.LoadFromEnv()
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.NodeDefault)
}
