package hybrid

import (
	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/storage"
)

// Mode is a node's configured execution mode.
type Mode string

const (
	ModeAIOnly   Mode = "ai_only"
	ModeCodeOnly Mode = "code_only"
	ModeHybrid   Mode = "hybrid"
	ModeABTest   Mode = "ab_test"
)

// ParseMode normalizes a node's executionMode setting; unknown or empty
// values default to ai_only.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeAIOnly, ModeCodeOnly, ModeHybrid, ModeABTest:
		return Mode(s)
	}
	return ModeAIOnly
}

// Decision is the routing outcome for one node invocation.
type Decision struct {
	Path           storage.ExecutionPath
	Mode           Mode
	Reason         string
	Confidence     *int
	MatchedPattern string
}

// Apply records the decision on a block execution row.
func (d Decision) Apply(be *storage.BlockExecution) {
	be.ExecutionPath = d.Path
	be.PatternMatched = d.MatchedPattern
	be.MatchConfidence = d.Confidence
}

// Router selects the AI or code path per node invocation.
type Router struct {
	// ThresholdPercent is the minimum match confidence for the code path
	// in hybrid mode.
	ThresholdPercent int
	Logger           core.Logger
}

// NewRouter creates a router with the configured hybrid threshold.
func NewRouter(cfg core.HybridConfig, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	threshold := cfg.ThresholdPercent
	if threshold <= 0 {
		threshold = core.DefaultConfig().Hybrid.ThresholdPercent
	}
	return &Router{ThresholdPercent: threshold, Logger: logger}
}

// Decide routes one invocation. nodeID keys the ab_test bucket so a node
// always lands in the same bucket across executions.
func (r *Router) Decide(nodeID string, mode Mode, generatedCode string, input interface{}) Decision {
	var d Decision
	switch mode {
	case ModeCodeOnly:
		if generatedCode == "" {
			d = Decision{Path: storage.PathAI, Mode: mode, Reason: "code_only without generated code"}
		} else {
			d = Decision{Path: storage.PathCode, Mode: mode, Reason: "code_only"}
		}

	case ModeHybrid:
		d = r.decideHybrid(mode, generatedCode, input)

	case ModeABTest:
		if djb2(nodeID)%2 == 0 && generatedCode != "" {
			d = Decision{Path: storage.PathCode, Mode: mode, Reason: "ab_test code bucket"}
		} else if djb2(nodeID)%2 == 0 {
			d = Decision{Path: storage.PathAI, Mode: mode, Reason: "ab_test code bucket without generated code"}
		} else {
			d = Decision{Path: storage.PathAI, Mode: mode, Reason: "ab_test ai bucket"}
		}

	default:
		d = Decision{Path: storage.PathAI, Mode: ModeAIOnly, Reason: "ai_only"}
	}

	r.Logger.Debug("Hybrid routing decision", map[string]interface{}{
		"operation": "hybrid_route",
		"node_id":   nodeID,
		"mode":      string(d.Mode),
		"path":      string(d.Path),
		"reason":    d.Reason,
	})
	return d
}

func (r *Router) decideHybrid(mode Mode, generatedCode string, input interface{}) Decision {
	if generatedCode == "" {
		return Decision{Path: storage.PathAI, Mode: mode, Reason: "hybrid without generated code"}
	}
	patterns := ExtractPatterns(generatedCode)
	if len(patterns) == 0 {
		return Decision{Path: storage.PathAI, Mode: mode, Reason: "no patterns extracted"}
	}

	match := MatchInput(patterns, input)
	confidence := match.Confidence
	if confidence >= r.ThresholdPercent {
		return Decision{
			Path:           storage.PathCode,
			Mode:           mode,
			Reason:         "pattern match above threshold",
			Confidence:     &confidence,
			MatchedPattern: match.MatchedPattern,
		}
	}
	return Decision{
		Path:       storage.PathAI,
		Mode:       mode,
		Reason:     "pattern match below threshold",
		Confidence: &confidence,
	}
}

// djb2 is the hash used for deterministic ab_test bucketing.
func djb2(s string) uint32 {
	var hash uint32 = 5381
	for i := 0; i < len(s); i++ {
		hash = hash*33 + uint32(s[i])
	}
	return hash
}
