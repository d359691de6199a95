package hybrid

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

func newTestRouter() *Router {
	return NewRouter(core.DefaultConfig().Hybrid, nil)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeHybrid, ParseMode("hybrid"))
	assert.Equal(t, ModeABTest, ParseMode("ab_test"))
	assert.Equal(t, ModeAIOnly, ParseMode(""))
	assert.Equal(t, ModeAIOnly, ParseMode("something_else"))
}

func TestDecideAIOnly(t *testing.T) {
	d := newTestRouter().Decide("n1", ModeAIOnly, sentimentCode, nil)
	assert.Equal(t, storage.PathAI, d.Path)
}

func TestDecideCodeOnly(t *testing.T) {
	r := newTestRouter()

	d := r.Decide("n1", ModeCodeOnly, sentimentCode, nil)
	assert.Equal(t, storage.PathCode, d.Path)

	d = r.Decide("n1", ModeCodeOnly, "", nil)
	assert.Equal(t, storage.PathAI, d.Path)
	assert.Contains(t, d.Reason, "without generated code")
}

func TestDecideHybridAboveThreshold(t *testing.T) {
	d := newTestRouter().Decide("n1", ModeHybrid, routingSwitchCode,
		map[string]interface{}{"category": "bug"})

	assert.Equal(t, storage.PathCode, d.Path)
	require.NotNil(t, d.Confidence)
	assert.Equal(t, 95, *d.Confidence)
	assert.Equal(t, "case bug", d.MatchedPattern)
}

func TestDecideHybridBelowThreshold(t *testing.T) {
	d := newTestRouter().Decide("n1", ModeHybrid, routingSwitchCode,
		map[string]interface{}{"category": "unrecognized"})

	assert.Equal(t, storage.PathAI, d.Path)
	require.NotNil(t, d.Confidence)
	assert.Less(t, *d.Confidence, 80)
}

func TestDecideHybridNoPatterns(t *testing.T) {
	d := newTestRouter().Decide("n1", ModeHybrid, "return input;", nil)
	assert.Equal(t, storage.PathAI, d.Path)
	assert.Equal(t, "no patterns extracted", d.Reason)
}

func TestDecideABTestDeterministic(t *testing.T) {
	r := newTestRouter()
	first := r.Decide("node-a", ModeABTest, sentimentCode, nil)
	for i := 0; i < 10; i++ {
		again := r.Decide("node-a", ModeABTest, sentimentCode, nil)
		assert.Equal(t, first.Path, again.Path)
	}
}

func TestDecideABTestSplitsBuckets(t *testing.T) {
	r := newTestRouter()
	paths := make(map[storage.ExecutionPath]int)
	for i := 0; i < 100; i++ {
		d := r.Decide(fmt.Sprintf("node-%d", i), ModeABTest, sentimentCode, nil)
		paths[d.Path]++
	}
	// djb2 spreads ids across both buckets.
	assert.Greater(t, paths[storage.PathAI], 20)
	assert.Greater(t, paths[storage.PathCode], 20)
}

func TestDecideABTestCodeBucketWithoutCode(t *testing.T) {
	r := newTestRouter()
	// Find an id in the code bucket, then remove the generated code.
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("node-%d", i)
		if r.Decide(id, ModeABTest, sentimentCode, nil).Path == storage.PathCode {
			d := r.Decide(id, ModeABTest, "", nil)
			assert.Equal(t, storage.PathAI, d.Path)
			assert.Contains(t, d.Reason, "without generated code")
			return
		}
	}
	t.Fatal("no node id landed in the code bucket")
}

func TestDecisionApply(t *testing.T) {
	conf := 95
	d := Decision{Path: storage.PathCode, Confidence: &conf, MatchedPattern: "case bug"}
	var be storage.BlockExecution
	d.Apply(&be)

	assert.Equal(t, storage.PathCode, be.ExecutionPath)
	assert.Equal(t, "case bug", be.PatternMatched)
	require.NotNil(t, be.MatchConfidence)
	assert.Equal(t, 95, *be.MatchConfidence)
}

func TestTrackerCountsPaths(t *testing.T) {
	tr := NewTracker(nil)
	conf := 95
	tr.RecordDecision("e1", "n1", Decision{Path: storage.PathCode, Reason: "pattern match", Confidence: &conf})
	tr.RecordDecision("e1", "n1", Decision{Path: storage.PathAI, Reason: "below threshold"})
	tr.RecordDecision("e2", "n2", Decision{Path: storage.PathAI, Reason: "ai_only"})
	tr.RecordFallback("e2", "n1", errors.New("sandbox blew up"))

	stats := tr.Stats()
	require.Contains(t, stats, "n1")
	assert.Equal(t, 1, stats["n1"].CodeRuns)
	assert.Equal(t, 2, stats["n1"].AIRuns)
	assert.Equal(t, 1, stats["n1"].Fallbacks)
	assert.Equal(t, 3, stats["n1"].TotalRuns)
	assert.Equal(t, 1, stats["n2"].TotalRuns)
}

func TestTrackerRecent(t *testing.T) {
	tr := NewTracker(nil)
	for i := 0; i < 5; i++ {
		tr.RecordDecision("e1", fmt.Sprintf("n%d", i), Decision{Path: storage.PathAI, Reason: "ai_only"})
	}

	recent := tr.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "n3", recent[0].NodeID)
	assert.Equal(t, "n4", recent[1].NodeID)

	all := tr.Recent(0)
	assert.Len(t, all, 5)
}

func TestTrackerTailBounded(t *testing.T) {
	tr := NewTracker(nil)
	tr.maxTail = 3
	for i := 0; i < 10; i++ {
		tr.RecordDecision("e1", "n1", Decision{Path: storage.PathAI, Reason: "ai_only"})
	}
	assert.Len(t, tr.Recent(0), 3)
}
