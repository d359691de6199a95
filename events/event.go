package events

import (
	"encoding/json"
	"time"
)

// EventKind identifies the type of an execution event.
type EventKind string

// Execution-level and node-level event kinds. Every execution's stream
// starts with EventExecutionStart and ends with exactly one of the three
// terminal kinds.
const (
	EventExecutionStart     EventKind = "execution_start"
	EventExecutionComplete  EventKind = "execution_complete"
	EventExecutionError     EventKind = "execution_error"
	EventExecutionCancelled EventKind = "execution_cancelled"

	EventNodeStart    EventKind = "node_start"
	EventNodeStream   EventKind = "node_stream"
	EventNodeComplete EventKind = "node_complete"
	EventNodeError    EventKind = "node_error"
	EventNodeSkipped  EventKind = "node_skipped"
)

// IsTerminal reports whether the kind closes an execution's stream.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventExecutionComplete, EventExecutionError, EventExecutionCancelled:
		return true
	}
	return false
}

// Valid reports whether the kind is one the engine emits.
func (k EventKind) Valid() bool {
	switch k {
	case EventExecutionStart, EventExecutionComplete, EventExecutionError,
		EventExecutionCancelled, EventNodeStart, EventNodeStream,
		EventNodeComplete, EventNodeError, EventNodeSkipped:
		return true
	}
	return false
}

// EventRecord is one persisted, subscribable execution event. Within an
// execution, Index values are assigned by the emitter and are strictly
// increasing and gap-free starting at 0.
type EventRecord struct {
	ID          string                 `json:"id,omitempty"`
	ExecutionID string                 `json:"executionId"`
	Index       int64                  `json:"index"`
	Kind        EventKind              `json:"kind"`
	Payload     map[string]interface{} `json:"-"`
	Timestamp   time.Time              `json:"-"`
}

// wireEnvelope is the flattened wire shape: envelope fields plus the
// kind-specific payload fields at the top level, with timestamp as epoch
// milliseconds.
type wireEnvelope struct {
	ID          string    `json:"id,omitempty"`
	ExecutionID string    `json:"executionId"`
	Index       int64     `json:"index"`
	Kind        EventKind `json:"kind"`
	Timestamp   int64     `json:"timestamp"`
}

// MarshalJSON flattens the payload into the envelope.
func (e EventRecord) MarshalJSON() ([]byte, error) {
	env, err := json.Marshal(wireEnvelope{
		ID:          e.ID,
		ExecutionID: e.ExecutionID,
		Index:       e.Index,
		Kind:        e.Kind,
		Timestamp:   e.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	if len(e.Payload) == 0 {
		return env, nil
	}

	merged := make(map[string]interface{}, len(e.Payload)+5)
	if err := json.Unmarshal(env, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Payload {
		if _, reserved := merged[k]; reserved {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits the flat wire shape back into envelope and payload.
func (e *EventRecord) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	delete(flat, "id")
	delete(flat, "executionId")
	delete(flat, "index")
	delete(flat, "kind")
	delete(flat, "timestamp")

	e.ID = env.ID
	e.ExecutionID = env.ExecutionID
	e.Index = env.Index
	e.Kind = env.Kind
	e.Timestamp = time.UnixMilli(env.Timestamp).UTC()
	if len(flat) > 0 {
		e.Payload = flat
	} else {
		e.Payload = nil
	}
	return nil
}
