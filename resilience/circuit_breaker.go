package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/flowstack-io/flowstack/core"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows a bounded number of probe requests.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
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

// ErrorClassifier determines which errors count toward the failure window.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts provider and infrastructure failures but
// ignores cancellation (client gave up) and breaker rejections themselves.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	switch core.KindOf(err) {
	case core.KindExecutionCancelled, core.KindCircuitOpen:
		return false
	}
	return true
}

// pruneInterval throttles lazy discarding of failures that have aged out of
// the window.
const pruneInterval = time.Second

// Breaker is a single named circuit breaker. State transitions follow
// exactly CLOSED → OPEN → HALF_OPEN → {CLOSED | OPEN}:
//
//   - CLOSED opens when the failure count within FailureWindow reaches
//     FailureThreshold.
//   - OPEN moves to HALF_OPEN once ResetTimeout has elapsed.
//   - HALF_OPEN closes after SuccessThreshold consecutive successful probes
//     and reopens on any probe failure. At most HalfOpenMaxConcurrent probes
//     are in flight; excess callers are rejected as if the breaker were open.
type Breaker struct {
	name     string
	cfg      core.BreakerConfig
	classify ErrorClassifier
	logger   core.Logger

	mu                sync.Mutex
	state             State
	failures          []time.Time
	openedAt          time.Time
	lastFailure       time.Time
	lastPrune         time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	totalExecutions    uint64
	totalFailures      uint64
	rejectedExecutions uint64

	listeners          []func(name string, from, to State)
	pendingTransitions []stateChange
}

type stateChange struct {
	from, to State
}

// NewBreaker creates a breaker with the given name and thresholds.
func NewBreaker(name string, cfg core.BreakerConfig, logger core.Logger) *Breaker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	applyBreakerDefaults(&cfg)
	return &Breaker{
		name:     name,
		cfg:      cfg,
		classify: DefaultErrorClassifier,
		logger:   logger,
		state:    StateClosed,
	}
}

func applyBreakerDefaults(cfg *core.BreakerConfig) {
	def := core.DefaultConfig().Breaker
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.HalfOpenMaxConcurrent <= 0 {
		cfg.HalfOpenMaxConcurrent = def.HalfOpenMaxConcurrent
	}
}

// Name returns the breaker key (typically a provider name).
func (b *Breaker) Name() string { return b.name }

// SetErrorClassifier overrides which errors count as failures.
func (b *Breaker) SetErrorClassifier(c ErrorClassifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c != nil {
		b.classify = c
	}
}

// AddStateChangeListener registers a listener invoked after every state
// transition. Listeners run on the transitioning goroutine once the
// breaker lock is released, so they may call back into the breaker.
func (b *Breaker) AddStateChangeListener(listener func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// CanExecute reports whether a call would be admitted right now. OPEN
// breakers past their reset timeout lazily transition to HALF_OPEN.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	ok := b.admissibleLocked()
	notify := b.takeNotificationsLocked()
	b.mu.Unlock()
	notify()
	return ok
}

func (b *Breaker) admissibleLocked() bool {
	b.maybeTransitionHalfOpenLocked()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return b.halfOpenInFlight < b.cfg.HalfOpenMaxConcurrent
	default:
		return false
	}
}

// maybeTransitionHalfOpenLocked moves OPEN → HALF_OPEN once the reset
// timeout has elapsed.
func (b *Breaker) maybeTransitionHalfOpenLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

// Execute runs fn under the breaker: rejected immediately with a
// CIRCUIT_OPEN error when the breaker is open (or half-open at probe
// capacity), otherwise executed and recorded.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, ok := b.begin()
	if !ok {
		return core.NewCircuitOpenError(b.name)
	}
	err := fn(ctx)
	b.finish(probe, err)
	return err
}

// begin admits or rejects a call. The returned probe flag must be passed to
// finish so half-open slot accounting stays balanced.
func (b *Breaker) begin() (probe bool, ok bool) {
	b.mu.Lock()
	admitted := b.admissibleLocked()
	if !admitted {
		b.rejectedExecutions++
	} else {
		b.totalExecutions++
		if b.state == StateHalfOpen {
			b.halfOpenInFlight++
			probe = true
		}
	}
	notify := b.takeNotificationsLocked()
	b.mu.Unlock()
	notify()
	return probe, admitted
}

// finish records the call outcome and releases any half-open probe slot.
func (b *Breaker) finish(probe bool, err error) {
	b.mu.Lock()
	if probe && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	switch {
	case err == nil:
		b.recordSuccessLocked()
	case b.classify(err):
		b.recordFailureLocked()
	}
	notify := b.takeNotificationsLocked()
	b.mu.Unlock()
	notify()
}

// RecordSuccess records an out-of-band success (for callers that gate with
// CanExecute instead of Execute).
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.recordSuccessLocked()
	notify := b.takeNotificationsLocked()
	b.mu.Unlock()
	notify()
}

// RecordFailure records an out-of-band failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.recordFailureLocked()
	notify := b.takeNotificationsLocked()
	b.mu.Unlock()
	notify()
}

func (b *Breaker) recordSuccessLocked() {
	if b.state != StateHalfOpen {
		return
	}
	b.halfOpenSuccesses++
	if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
		b.transitionLocked(StateClosed)
	}
}

func (b *Breaker) recordFailureLocked() {
	now := time.Now()
	b.totalFailures++
	b.lastFailure = now

	switch b.state {
	case StateHalfOpen:
		// Any probe failure reopens immediately.
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.pruneLocked(now)
		b.failures = append(b.failures, now)
		if b.countInWindowLocked(now) >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

// pruneLocked discards failures older than the window, throttled so the
// scan runs at most once per second.
func (b *Breaker) pruneLocked(now time.Time) {
	if now.Sub(b.lastPrune) < pruneInterval {
		return
	}
	b.lastPrune = now
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// countInWindowLocked counts failures inside the window without mutating the
// slice (pruning is throttled separately).
func (b *Breaker) countInWindowLocked(now time.Time) int {
	cutoff := now.Add(-b.cfg.FailureWindow)
	n := 0
	for _, t := range b.failures {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = time.Now()
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	case StateClosed:
		b.failures = nil
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	}

	b.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      b.name,
		"from":      from.String(),
		"to":        to.String(),
	})
	b.pendingTransitions = append(b.pendingTransitions, stateChange{from: from, to: to})
}

// takeNotificationsLocked snapshots queued transitions and the listener
// list for delivery after the lock is released. Listeners would deadlock
// if invoked while the breaker mutex is held.
func (b *Breaker) takeNotificationsLocked() func() {
	if len(b.pendingTransitions) == 0 || len(b.listeners) == 0 {
		b.pendingTransitions = nil
		return func() {}
	}
	transitions := b.pendingTransitions
	b.pendingTransitions = nil
	listeners := make([]func(name string, from, to State), len(b.listeners))
	copy(listeners, b.listeners)
	return func() {
		for _, tr := range transitions {
			for _, l := range listeners {
				l(b.name, tr.from, tr.to)
			}
		}
	}
}

// State returns the current state, applying the lazy OPEN → HALF_OPEN
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	b.maybeTransitionHalfOpenLocked()
	state := b.state
	notify := b.takeNotificationsLocked()
	b.mu.Unlock()
	notify()
	return state
}

// BreakerStats is an introspection snapshot of a breaker.
type BreakerStats struct {
	Name               string      `json:"name"`
	State              string      `json:"state"`
	FailuresInWindow   int         `json:"failures_in_window"`
	TotalExecutions    uint64      `json:"total_executions"`
	TotalFailures      uint64      `json:"total_failures"`
	RejectedExecutions uint64      `json:"rejected_executions"`
	LastFailure        time.Time   `json:"last_failure"`
	HalfOpenInFlight   int         `json:"half_open_in_flight"`
	HalfOpenSuccesses  int         `json:"half_open_successes"`
	RecentFailures     []time.Time `json:"recent_failures"`
}

// Stats returns a snapshot of counters and the recent-failure tail.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	b.maybeTransitionHalfOpenLocked()
	stats := b.statsLocked()
	notify := b.takeNotificationsLocked()
	b.mu.Unlock()
	notify()
	return stats
}

func (b *Breaker) statsLocked() BreakerStats {
	now := time.Now()
	const tailSize = 10
	var tail []time.Time
	cutoff := now.Add(-b.cfg.FailureWindow)
	for _, t := range b.failures {
		if t.After(cutoff) {
			tail = append(tail, t)
		}
	}
	if len(tail) > tailSize {
		tail = tail[len(tail)-tailSize:]
	}

	return BreakerStats{
		Name:               b.name,
		State:              b.state.String(),
		FailuresInWindow:   b.countInWindowLocked(now),
		TotalExecutions:    b.totalExecutions,
		TotalFailures:      b.totalFailures,
		RejectedExecutions: b.rejectedExecutions,
		LastFailure:        b.lastFailure,
		HalfOpenInFlight:   b.halfOpenInFlight,
		HalfOpenSuccesses:  b.halfOpenSuccesses,
		RecentFailures:     tail,
	}
}

// Reset returns the breaker to CLOSED and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := b.state
	b.state = StateClosed
	b.failures = nil
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0
	if from != StateClosed {
		b.logger.Info("Circuit breaker reset", map[string]interface{}{
			"operation":      "circuit_breaker_reset",
			"name":           b.name,
			"previous_state": from.String(),
		})
	}
}
