package hybrid

import (
	"sync"
	"time"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

// FallbackRecord captures one path decision, including code-path failures
// that fell back to AI.
type FallbackRecord struct {
	ExecutionID string                `json:"executionId"`
	NodeID      string                `json:"nodeId"`
	Path        storage.ExecutionPath `json:"path"`
	Reason      string                `json:"reason"`
	Confidence  *int                  `json:"confidence,omitempty"`
	Pattern     string                `json:"pattern,omitempty"`
	Error       string                `json:"error,omitempty"`
	At          time.Time             `json:"at"`
}

// TrackerStats aggregates path counts per node.
type TrackerStats struct {
	AIRuns     int    `json:"aiRuns"`
	CodeRuns   int    `json:"codeRuns"`
	Fallbacks  int    `json:"fallbacks"`
	TotalRuns  int    `json:"totalRuns"`
	LastReason string `json:"lastReason,omitempty"`
}

// Tracker records which path each hybrid-capable node ran and why. It keeps
// a bounded in-memory tail plus per-node counters for introspection.
type Tracker struct {
	logger core.Logger

	mu      sync.Mutex
	recent  []FallbackRecord
	byNode  map[string]*TrackerStats
	maxTail int
}

const defaultTrackerTail = 256

// NewTracker creates a tracker.
func NewTracker(logger core.Logger) *Tracker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Tracker{
		logger:  logger,
		byNode:  make(map[string]*TrackerStats),
		maxTail: defaultTrackerTail,
	}
}

// RecordDecision records a routing decision before the node runs.
func (t *Tracker) RecordDecision(executionID, nodeID string, d Decision) {
	t.record(FallbackRecord{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Path:        d.Path,
		Reason:      d.Reason,
		Confidence:  d.Confidence,
		Pattern:     d.MatchedPattern,
		At:          time.Now().UTC(),
	})
}

// RecordFallback records a code-path failure that fell back to AI. The
// reason lands on the block execution row as fallbackReason.
func (t *Tracker) RecordFallback(executionID, nodeID string, err error) {
	fe := core.Adapt(err)
	t.record(FallbackRecord{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Path:        storage.PathAI,
		Reason:      "code path failed: " + string(fe.Kind),
		Error:       fe.Error(),
		At:          time.Now().UTC(),
	})
	t.logger.Warn("Generated code failed, falling back to AI", map[string]interface{}{
		"operation":    "hybrid_fallback",
		"execution_id": executionID,
		"node_id":      nodeID,
		"error_kind":   string(fe.Kind),
		"error":        fe.Error(),
	})
}

func (t *Tracker) record(rec FallbackRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent = append(t.recent, rec)
	if len(t.recent) > t.maxTail {
		t.recent = t.recent[len(t.recent)-t.maxTail:]
	}

	stats, ok := t.byNode[rec.NodeID]
	if !ok {
		stats = &TrackerStats{}
		t.byNode[rec.NodeID] = stats
	}
	stats.TotalRuns++
	stats.LastReason = rec.Reason
	if rec.Error != "" {
		stats.Fallbacks++
	}
	if rec.Path == storage.PathCode {
		stats.CodeRuns++
	} else {
		stats.AIRuns++
	}
}

// Recent returns up to limit most recent records, newest last.
func (t *Tracker) Recent(limit int) []FallbackRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]FallbackRecord, n)
	copy(out, t.recent[len(t.recent)-n:])
	return out
}

// Stats returns a snapshot of per-node counters.
func (t *Tracker) Stats() map[string]TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]TrackerStats, len(t.byNode))
	for node, s := range t.byNode {
		out[node] = *s
	}
	return out
}
