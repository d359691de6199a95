package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstack-io/flowstack/core"
)

// Store persists and reads back execution events. Implementations live in
// the storage packages; AppendEvent must enforce uniqueness of
// (executionID, index).
type Store interface {
	AppendEvent(ctx context.Context, record EventRecord) error
	ListEvents(ctx context.Context, executionID string, fromIndex int64) ([]EventRecord, error)
}

// Listener receives events in emission order. Listeners run on the emitting
// goroutine while the emitter lock is held, so they must be fast and must
// not call back into the emitter. Panics are caught and logged.
type Listener func(record EventRecord)

const (
	persistAttempts  = 3
	persistBaseDelay = 100 * time.Millisecond
)

// Emitter is the per-execution event log head. It assigns monotonic
// gap-free indices, persists each event with bounded retries, and fans out
// synchronously to live subscribers. Concurrent emits are serialized so
// emission order always equals index order.
type Emitter struct {
	executionID string
	store       Store
	logger      core.Logger

	// persistDelay is overridable in tests to avoid real sleeps.
	persistDelay time.Duration

	mu             sync.Mutex
	nextIndex      int64
	closed         bool
	listeners      map[int]Listener
	nextListenerID int
}

// NewEmitter creates an emitter for one execution. A nil store disables
// persistence (events still reach subscribers); a nil logger is replaced
// with a no-op.
func NewEmitter(executionID string, store Store, logger core.Logger) *Emitter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Emitter{
		executionID:  executionID,
		store:        store,
		logger:       logger,
		persistDelay: persistBaseDelay,
		listeners:    make(map[int]Listener),
	}
}

// ExecutionID returns the execution this emitter belongs to.
func (e *Emitter) ExecutionID() string { return e.executionID }

// Emit assigns the next index, persists the event, and delivers it to all
// subscribers. Persistence failures are retried with linear backoff; a final
// failure is logged and the event still reaches subscribers. Emits after
// Close are dropped with a warning and return false.
func (e *Emitter) Emit(ctx context.Context, kind EventKind, payload map[string]interface{}) (EventRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.logger.Warn("Dropping event emitted after close", map[string]interface{}{
			"operation":    "event_emit_after_close",
			"execution_id": e.executionID,
			"kind":         string(kind),
		})
		return EventRecord{}, false
	}

	record := EventRecord{
		ID:          uuid.NewString(),
		ExecutionID: e.executionID,
		Index:       e.nextIndex,
		Kind:        kind,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	e.nextIndex++

	e.persist(ctx, record)
	for _, listener := range e.listeners {
		e.deliver(listener, record)
	}
	return record, true
}

// persist writes the record to the store, retrying transient failures.
func (e *Emitter) persist(ctx context.Context, record EventRecord) {
	if e.store == nil {
		return
	}
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if lastErr = e.store.AppendEvent(ctx, record); lastErr == nil {
			return
		}
		if attempt < persistAttempts {
			time.Sleep(e.persistDelay * time.Duration(attempt))
		}
	}
	e.logger.Warn("Event persistence failed, live subscribers unaffected", map[string]interface{}{
		"operation":    "event_persist_failed",
		"execution_id": e.executionID,
		"index":        record.Index,
		"kind":         string(record.Kind),
		"attempts":     persistAttempts,
		"error":        lastErr.Error(),
	})
}

// deliver invokes one listener, containing panics.
func (e *Emitter) deliver(listener Listener, record EventRecord) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Event listener panicked", map[string]interface{}{
				"operation":    "event_listener_panic",
				"execution_id": e.executionID,
				"index":        record.Index,
				"kind":         string(record.Kind),
				"panic":        r,
			})
		}
	}()
	listener(record)
}

// Subscribe registers a listener for all subsequent events. The returned
// function removes the listener; calling it more than once is harmless.
func (e *Emitter) Subscribe(listener Listener) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextListenerID
	e.nextListenerID++
	e.listeners[id] = listener

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Replay returns persisted events with index >= fromIndex in ascending
// order. Malformed rows are filtered out and logged.
func (e *Emitter) Replay(ctx context.Context, fromIndex int64) ([]EventRecord, error) {
	if e.store == nil {
		return nil, nil
	}
	rows, err := e.store.ListEvents(ctx, e.executionID, fromIndex)
	if err != nil {
		return nil, core.WrapError(core.KindConnectionFailed, "replaying events", err)
	}

	out := make([]EventRecord, 0, len(rows))
	for _, row := range rows {
		if row.Index < fromIndex || !row.Kind.Valid() || row.ExecutionID != e.executionID {
			e.logger.Warn("Skipping malformed event row during replay", map[string]interface{}{
				"operation":    "event_replay_skip",
				"execution_id": e.executionID,
				"index":        row.Index,
				"kind":         string(row.Kind),
			})
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// NextIndex returns the index the next emitted event will receive.
func (e *Emitter) NextIndex() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextIndex
}

// Closed reports whether Close has been called.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close marks the emitter closed and drops all listeners. Further emits are
// discarded; Replay keeps working against the persisted log.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.listeners = make(map[int]Listener)
}
