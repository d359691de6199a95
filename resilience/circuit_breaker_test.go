package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/core"
)

func testBreakerConfig() core.BreakerConfig {
	return core.BreakerConfig{
		FailureThreshold:      5,
		FailureWindow:         time.Minute,
		ResetTimeout:          50 * time.Millisecond,
		SuccessThreshold:      3,
		HalfOpenMaxConcurrent: 3,
	}
}

func failingCall(ctx context.Context) error {
	return core.NewProviderError("openai", 503, "unavailable")
}

func succeedingCall(ctx context.Context) error { return nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failingCall)
		assert.Equal(t, StateClosed, b.State())
	}

	_ = b.Execute(ctx, failingCall)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerOpenRejectsWithoutInvoking(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	require.Equal(t, StateOpen, b.State())

	calls := 0
	err := b.Execute(ctx, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, core.KindCircuitOpen, core.KindOf(err))

	var fe *core.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "openai", fe.BreakerName)
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanExecute())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.CanExecute())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeedingCall))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeedingCall))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeedingCall))
	assert.Equal(t, StateClosed, b.State())

	// Failure counters were cleared on close.
	assert.Equal(t, 0, b.Stats().FailuresInWindow)
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeedingCall))
	_ = b.Execute(ctx, failingCall)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenConcurrencyLimit(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(ctx, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	// All probe slots are occupied; the next caller is rejected.
	err := b.Execute(ctx, succeedingCall)
	require.Error(t, err)
	assert.Equal(t, core.KindCircuitOpen, core.KindOf(err))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error {
			return core.NewCancelledError("client went away")
		})
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCustomClassifier(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	b.SetErrorClassifier(func(err error) bool {
		return core.KindOf(err) == core.KindProviderRateLimit
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error {
			return core.NewProviderError("openai", 429, "rate limited")
		})
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowExpiry(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureWindow = 30 * time.Millisecond
	b := NewBreaker("openai", cfg, nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateClosed, b.State())

	// The earlier failures age out of the window, so one more does not trip.
	time.Sleep(40 * time.Millisecond)
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStateChangeListener(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	var mu sync.Mutex
	var transitions [][2]State
	b.AddStateChangeListener(func(name string, from, to State) {
		assert.Equal(t, "openai", name)
		mu.Lock()
		transitions = append(transitions, [2]State{from, to})
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	_ = b.State()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.Equal(t, [2]State{StateClosed, StateOpen}, transitions[0])
	assert.Equal(t, [2]State{StateOpen, StateHalfOpen}, transitions[1])
}

func TestBreakerListenerMayReenter(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	var mu sync.Mutex
	var observed []State
	b.AddStateChangeListener(func(name string, from, to State) {
		mu.Lock()
		observed = append(observed, b.State())
		mu.Unlock()
		_ = b.Stats()
		assert.Equal(t, to, b.State())
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener re-entering the breaker deadlocked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, observed, 1)
	assert.Equal(t, StateOpen, observed[0])
}

func TestBreakerStats(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	ctx := context.Background()

	require.NoError(t, b.Execute(ctx, succeedingCall))
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failingCall)
	}
	_ = b.Execute(ctx, succeedingCall) // rejected

	stats := b.Stats()
	assert.Equal(t, "openai", stats.Name)
	assert.Equal(t, "open", stats.State)
	assert.Equal(t, uint64(6), stats.TotalExecutions)
	assert.Equal(t, uint64(5), stats.TotalFailures)
	assert.Equal(t, uint64(1), stats.RejectedExecutions)
	assert.Equal(t, 5, stats.FailuresInWindow)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), nil)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.CanExecute())
	assert.Equal(t, 0, b.Stats().FailuresInWindow)
}

func TestBreakerDefaultsApplied(t *testing.T) {
	b := NewBreaker("openai", core.BreakerConfig{}, nil)
	assert.Equal(t, 5, b.cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, b.cfg.FailureWindow)
	assert.Equal(t, 30*time.Second, b.cfg.ResetTimeout)
	assert.Equal(t, 3, b.cfg.SuccessThreshold)
	assert.Equal(t, 3, b.cfg.HalfOpenMaxConcurrent)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil)
	a := r.Get("openai")
	assert.Same(t, a, r.Get("openai"))
	assert.NotSame(t, a, r.Get("anthropic"))
}

func TestRegistryResetAll(t *testing.T) {
	r := NewRegistry(testBreakerConfig(), nil)
	for _, key := range []string{"openai", "anthropic"} {
		b := r.Get(key)
		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		require.Equal(t, StateOpen, b.State())
	}

	r.ResetAll()
	for key, stats := range r.Stats() {
		assert.Equal(t, "closed", stats.State, key)
	}
}

func TestDefaultRegistrySingleton(t *testing.T) {
	assert.Same(t, DefaultRegistry(), DefaultRegistry())

	custom := NewRegistry(testBreakerConfig(), nil)
	SetDefaultRegistry(custom)
	assert.Same(t, custom, DefaultRegistry())
}
