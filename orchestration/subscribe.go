package orchestration

import (
	"context"
	"sync"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/events"
)

// Subscribe attaches to an execution's event stream from an index. The
// returned channel first drains the persisted events at or after
// fromIndex, then delivers live events in emission order with no gaps or
// duplicates, and closes after the terminal event (or immediately after
// the drain when the execution already finished). The returned stop
// function detaches the subscriber; it is safe to call more than once.
func (e *Engine) Subscribe(ctx context.Context, executionID string, fromIndex int64) (<-chan events.EventRecord, func(), error) {
	e.mu.Lock()
	act := e.active[executionID]
	e.mu.Unlock()

	if act == nil {
		// Not running here: the persisted log is the whole story.
		if _, err := e.store.GetExecution(ctx, executionID); err != nil {
			return nil, nil, core.WrapError(core.KindResourceNotFound, "loading execution "+executionID, err)
		}
		records, err := e.store.ListEvents(ctx, executionID, fromIndex)
		if err != nil {
			return nil, nil, core.WrapError(core.KindConnectionFailed, "reading event log", err)
		}
		ch := make(chan events.EventRecord, len(records))
		for _, rec := range records {
			ch <- rec
		}
		close(ch)
		return ch, func() {}, nil
	}

	// Live execution: buffer first, then replay, so nothing emitted
	// between the two is lost. The forwarder dedupes on index.
	buf := newEventBuffer()
	unsubscribe := act.emitter.Subscribe(func(rec events.EventRecord) {
		buf.push(rec)
	})
	replayed, err := act.emitter.Replay(ctx, fromIndex)
	if err != nil {
		unsubscribe()
		return nil, nil, err
	}

	ch := make(chan events.EventRecord, 16)
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopFn := func() {
		stopOnce.Do(func() {
			unsubscribe()
			close(stop)
			buf.wake()
		})
	}

	go func() {
		defer close(ch)
		defer stopFn()
		last := fromIndex - 1
		send := func(rec events.EventRecord) bool {
			if rec.Index <= last {
				return true
			}
			select {
			case ch <- rec:
				last = rec.Index
				if rec.Kind.IsTerminal() {
					return false
				}
				return true
			case <-stop:
				return false
			}
		}
		for _, rec := range replayed {
			if !send(rec) {
				return
			}
		}
		for {
			batch, ok := buf.wait(stop)
			if !ok {
				return
			}
			for _, rec := range batch {
				if !send(rec) {
					return
				}
			}
		}
	}()
	return ch, stopFn, nil
}

// eventBuffer decouples emitter fan-out (which runs under the emitter
// lock and must never block) from subscriber channel sends.
type eventBuffer struct {
	mu     sync.Mutex
	recs   []events.EventRecord
	signal chan struct{}
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{signal: make(chan struct{}, 1)}
}

func (b *eventBuffer) push(rec events.EventRecord) {
	b.mu.Lock()
	b.recs = append(b.recs, rec)
	b.mu.Unlock()
	b.wake()
}

func (b *eventBuffer) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// wait blocks until records are buffered or stop closes. It returns the
// drained batch and whether the caller should keep waiting.
func (b *eventBuffer) wait(stop <-chan struct{}) ([]events.EventRecord, bool) {
	for {
		b.mu.Lock()
		batch := b.recs
		b.recs = nil
		b.mu.Unlock()
		if len(batch) > 0 {
			return batch, true
		}
		select {
		case <-b.signal:
		case <-stop:
			return nil, false
		}
	}
}
