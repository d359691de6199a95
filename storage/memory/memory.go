// Package memory provides an in-memory Store for tests and single-process
// deployments. All data is lost on restart; the event log still satisfies
// the same ordering and uniqueness guarantees as the durable backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/events"
	"github.com/flowstack-io/flowstack/storage"
)

// Store is a mutex-protected in-memory implementation of storage.Store.
type Store struct {
	mu          sync.RWMutex
	flows       map[string]*storage.Flow
	blocks      map[string]*storage.Block
	connections map[string]*storage.Connection
	executions  map[string]*storage.Execution
	execOrder   []string
	blockExecs  map[string][]*storage.BlockExecution
	eventLogs   map[string]map[int64]events.EventRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		flows:       make(map[string]*storage.Flow),
		blocks:      make(map[string]*storage.Block),
		connections: make(map[string]*storage.Connection),
		executions:  make(map[string]*storage.Execution),
		blockExecs:  make(map[string][]*storage.BlockExecution),
		eventLogs:   make(map[string]map[int64]events.EventRecord),
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) GetFlow(ctx context.Context, flowID string) (*storage.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrFlowNotFound, flowID)
	}
	clone := *f
	return &clone, nil
}

func (s *Store) SaveFlow(ctx context.Context, flow *storage.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *flow
	s.flows[flow.ID] = &clone
	return nil
}

func (s *Store) GetBlock(ctx context.Context, blockID string) (*storage.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return nil, core.NewError(core.KindResourceNotFound, "block not found: "+blockID)
	}
	clone := *b
	return &clone, nil
}

func (s *Store) SaveBlock(ctx context.Context, block *storage.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *block
	s.blocks[block.ID] = &clone
	return nil
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (*storage.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connections[connectionID]
	if !ok {
		return nil, core.NewError(core.KindResourceNotFound, "connection not found: "+connectionID)
	}
	clone := *c
	return &clone, nil
}

func (s *Store) SaveConnection(ctx context.Context, conn *storage.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *conn
	s.connections[conn.ID] = &clone
	return nil
}

func (s *Store) CreateExecution(ctx context.Context, exec *storage.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution already exists: %s", exec.ID)
	}
	clone := *exec
	s.executions[exec.ID] = &clone
	s.execOrder = append(s.execOrder, exec.ID)
	return nil
}

func (s *Store) UpdateExecution(ctx context.Context, exec *storage.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, exec.ID)
	}
	clone := *exec
	s.executions[exec.ID] = &clone
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (*storage.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
	}
	clone := *e
	clone.Status = storage.NormalizeStatus(string(e.Status))
	return &clone, nil
}

func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]*storage.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Execution
	for i := len(s.execOrder) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if e, ok := s.executions[s.execOrder[i]]; ok {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *Store) CreateBlockExecution(ctx context.Context, be *storage.BlockExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *be
	s.blockExecs[be.ExecutionID] = append(s.blockExecs[be.ExecutionID], &clone)
	return nil
}

func (s *Store) UpdateBlockExecution(ctx context.Context, be *storage.BlockExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.blockExecs[be.ExecutionID]
	for i, row := range rows {
		if row.ID == be.ID {
			clone := *be
			rows[i] = &clone
			return nil
		}
	}
	return fmt.Errorf("block execution not found: %s", be.ID)
}

func (s *Store) ListBlockExecutions(ctx context.Context, executionID string) ([]*storage.BlockExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.blockExecs[executionID]
	out := make([]*storage.BlockExecution, 0, len(rows))
	for _, row := range rows {
		clone := *row
		clone.Status = storage.NormalizeStatus(string(row.Status))
		out = append(out, &clone)
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, record events.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.eventLogs[record.ExecutionID]
	if !ok {
		log = make(map[int64]events.EventRecord)
		s.eventLogs[record.ExecutionID] = log
	}
	if _, dup := log[record.Index]; dup {
		return fmt.Errorf("duplicate event index %d for execution %s", record.Index, record.ExecutionID)
	}
	log[record.Index] = record
	return nil
}

func (s *Store) ListEvents(ctx context.Context, executionID string, fromIndex int64) ([]events.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.eventLogs[executionID]
	out := make([]events.EventRecord, 0, len(log))
	for idx, rec := range log {
		if idx >= fromIndex {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
