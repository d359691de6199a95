package storage

import (
	"time"
)

// ExecutionStatus is the lifecycle state of an execution or block execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusSkipped   ExecutionStatus = "skipped"
)

// NormalizeStatus maps legacy spellings onto the canonical set. Older rows
// recorded "complete" for the terminal success state.
func NormalizeStatus(s string) ExecutionStatus {
	switch s {
	case "complete", "completed":
		return StatusCompleted
	case "pending", "running", "failed", "cancelled", "skipped":
		return ExecutionStatus(s)
	}
	return ExecutionStatus(s)
}

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// TriggerKind identifies what started an execution.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
)

// TriggerDescriptor records the provenance of an execution.
type TriggerDescriptor struct {
	Kind        TriggerKind `json:"kind"`
	SubjectID   string      `json:"subjectId,omitempty"`
	RequestID   string      `json:"requestId,omitempty"`
	IPAddress   string      `json:"ipAddress,omitempty"`
	UserAgent   string      `json:"userAgent,omitempty"`
	WebhookPath string      `json:"webhookPath,omitempty"`
	CronExpr    string      `json:"cronExpr,omitempty"`
	ScheduledAt *time.Time  `json:"scheduledAt,omitempty"`
}

// ExecutionMetrics aggregates progress counters for one execution.
type ExecutionMetrics struct {
	TotalNodes      int   `json:"totalNodes"`
	CompletedNodes  int   `json:"completedNodes"`
	FailedNodes     int   `json:"failedNodes"`
	TokensIn        int64 `json:"tokensIn"`
	TokensOut       int64 `json:"tokensOut"`
	TotalDurationMs int64 `json:"totalDurationMs"`
}

// ExecutionError is the persisted error shape on a failed execution.
type ExecutionError struct {
	Message string                 `json:"message"`
	Kind    string                 `json:"kind"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Execution is one run of a flow.
type Execution struct {
	ID          string            `json:"id"`
	FlowID      string            `json:"flowId"`
	FlowVersion int               `json:"flowVersion"`
	Status      ExecutionStatus   `json:"status"`
	Input       interface{}       `json:"input,omitempty"`
	Output      interface{}       `json:"output,omitempty"`
	Error       *ExecutionError   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	TriggeredBy TriggerDescriptor `json:"triggeredBy"`
	Metrics     ExecutionMetrics  `json:"metrics"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// ExecutionPath records which path an AI-capable node took.
type ExecutionPath string

const (
	PathAI   ExecutionPath = "ai"
	PathCode ExecutionPath = "code"
)

// BlockExecution is one node's run within an execution.
type BlockExecution struct {
	ID              string          `json:"id"`
	ExecutionID     string          `json:"executionId"`
	NodeID          string          `json:"nodeId"`
	Status          ExecutionStatus `json:"status"`
	Input           interface{}     `json:"input,omitempty"`
	Output          interface{}     `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	DurationMs      *int64          `json:"durationMs,omitempty"`
	ExecutionPath   ExecutionPath   `json:"executionPath,omitempty"`
	FallbackReason  string          `json:"fallbackReason,omitempty"`
	PatternMatched  string          `json:"patternMatched,omitempty"`
	MatchConfidence *int            `json:"matchConfidence,omitempty"`
}
