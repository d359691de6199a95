package orchestration

import (
	"fmt"
	"sync"
	"time"

	"github.com/flowstack-io/flowstack/storage"
)

// InvalidTransitionError reports an illegal execution status change. It is
// fatal: the caller has lost track of the lifecycle and must not continue.
type InvalidTransitionError struct {
	ExecutionID string
	From        storage.ExecutionStatus
	To          storage.ExecutionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("execution %s: illegal status transition %s -> %s", e.ExecutionID, e.From, e.To)
}

var legalTransitions = map[storage.ExecutionStatus]map[storage.ExecutionStatus]bool{
	storage.StatusPending: {
		storage.StatusRunning:   true,
		storage.StatusCancelled: true,
	},
	storage.StatusRunning: {
		storage.StatusCompleted: true,
		storage.StatusFailed:    true,
		storage.StatusCancelled: true,
	},
}

// Transition advances an execution's status, stamping startedAt on entry
// to running and completedAt plus total duration on any terminal status.
// Terminal states accept no further transitions.
func Transition(exec *storage.Execution, to storage.ExecutionStatus) error {
	if !legalTransitions[exec.Status][to] {
		return &InvalidTransitionError{ExecutionID: exec.ID, From: exec.Status, To: to}
	}
	now := time.Now().UTC()
	exec.Status = to
	switch {
	case to == storage.StatusRunning:
		exec.StartedAt = &now
	case to.IsTerminal():
		exec.CompletedAt = &now
		if exec.StartedAt != nil {
			exec.Metrics.TotalDurationMs = now.Sub(*exec.StartedAt).Milliseconds()
		}
	}
	return nil
}

// metricsRecorder mutates an execution's aggregate counters. Most calls
// happen on the execution's driver goroutine; AddTokens may arrive from
// fan-out work, so every mutation takes the lock.
type metricsRecorder struct {
	mu   sync.Mutex
	exec *storage.Execution
}

func (m *metricsRecorder) SetNodeCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exec.Metrics.TotalNodes = n
}

func (m *metricsRecorder) IncCompletedNodes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exec.Metrics.CompletedNodes++
}

func (m *metricsRecorder) IncFailedNodes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exec.Metrics.FailedNodes++
}

func (m *metricsRecorder) AddTokens(in, out int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exec.Metrics.TokensIn += in
	m.exec.Metrics.TokensOut += out
}

// Snapshot returns a copy of the current counters.
func (m *metricsRecorder) Snapshot() storage.ExecutionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec.Metrics
}
