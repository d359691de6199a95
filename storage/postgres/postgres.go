// Package postgres provides a PostgreSQL-backed storage.Store built on bun.
// Events carry a UNIQUE(execution_id, event_index) constraint so the log
// stays gap-free even if two writers race on the same execution.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/events"
	"github.com/flowstack-io/flowstack/storage"
)

// Store is a bun-backed implementation of storage.Store.
type Store struct {
	db     *bun.DB
	logger core.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to PostgreSQL with the given DSN.
func New(dsn string, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w\n"+
			"Hint: check the DSN passed to postgres.New", err)
	}

	logger.Info("Postgres store initialized", map[string]interface{}{
		"operation": "postgres_store_init",
	})
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing bun.DB, mainly for tests.
func NewWithDB(db *bun.DB, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Store{db: db, logger: logger}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for sink inserts and migrations.
func (s *Store) DB() *bun.DB { return s.db }

type flowRow struct {
	bun.BaseModel `bun:"table:flows"`

	ID         string     `bun:"id,pk"`
	Version    int        `bun:"version"`
	Definition []byte     `bun:"definition,type:jsonb"`
	DeletedAt  *time.Time `bun:"deleted_at"`
}

type blockRow struct {
	bun.BaseModel `bun:"table:blocks"`

	ID   string `bun:"id,pk"`
	Body []byte `bun:"body,type:jsonb"`
}

type connectionRow struct {
	bun.BaseModel `bun:"table:connections"`

	ID   string `bun:"id,pk"`
	Body []byte `bun:"body,type:jsonb"`
}

type executionRow struct {
	bun.BaseModel `bun:"table:executions"`

	ID          string     `bun:"id,pk"`
	FlowID      string     `bun:"flow_id"`
	FlowVersion int        `bun:"flow_version"`
	Status      string     `bun:"status"`
	Input       []byte     `bun:"input,type:jsonb"`
	Output      []byte     `bun:"output,type:jsonb"`
	Error       []byte     `bun:"error,type:jsonb"`
	StartedAt   *time.Time `bun:"started_at"`
	CompletedAt *time.Time `bun:"completed_at"`
	TriggeredBy []byte     `bun:"triggered_by,type:jsonb"`
	Metrics     []byte     `bun:"metrics,type:jsonb"`
	CreatedAt   time.Time  `bun:"created_at"`
}

type blockExecutionRow struct {
	bun.BaseModel `bun:"table:block_executions"`

	ID          string    `bun:"id,pk"`
	ExecutionID string    `bun:"execution_id"`
	Body        []byte    `bun:"body,type:jsonb"`
	CreatedAt   time.Time `bun:"created_at"`
}

type eventRow struct {
	bun.BaseModel `bun:"table:events"`

	ID          string    `bun:"id,pk"`
	ExecutionID string    `bun:"execution_id"`
	EventIndex  int64     `bun:"event_index"`
	Kind        string    `bun:"kind"`
	Payload     []byte    `bun:"payload,type:jsonb"`
	CreatedAt   time.Time `bun:"created_at"`
}

// Migrate creates the engine tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	models := []interface{}{
		(*flowRow)(nil),
		(*blockRow)(nil),
		(*connectionRow)(nil),
		(*executionRow)(nil),
		(*blockExecutionRow)(nil),
		(*eventRow)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("creating table for %T: %w", m, err)
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*eventRow)(nil)).
		Index("events_execution_index_uq").
		Unique().
		IfNotExists().
		Column("execution_id", "event_index").
		Exec(ctx); err != nil {
		return fmt.Errorf("creating event uniqueness index: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*blockExecutionRow)(nil)).
		Index("block_executions_execution_idx").
		IfNotExists().
		Column("execution_id").
		Exec(ctx); err != nil {
		return fmt.Errorf("creating block execution index: %w", err)
	}
	return nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *Store) GetFlow(ctx context.Context, flowID string) (*storage.Flow, error) {
	row := new(flowRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", flowID).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", core.ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading flow: %w", err)
	}
	var f storage.Flow
	if err := json.Unmarshal(row.Definition, &f); err != nil {
		return nil, fmt.Errorf("deserializing flow %s: %w", flowID, err)
	}
	f.DeletedAt = row.DeletedAt
	return &f, nil
}

func (s *Store) SaveFlow(ctx context.Context, flow *storage.Flow) error {
	def, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("serializing flow: %w", err)
	}
	row := &flowRow{ID: flow.ID, Version: flow.Version, Definition: def, DeletedAt: flow.DeletedAt}
	_, err = s.db.NewInsert().Model(row).On("CONFLICT (id) DO UPDATE").
		Set("version = EXCLUDED.version").
		Set("definition = EXCLUDED.definition").
		Set("deleted_at = EXCLUDED.deleted_at").
		Exec(ctx)
	return err
}

func (s *Store) GetBlock(ctx context.Context, blockID string) (*storage.Block, error) {
	row := new(blockRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", blockID).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, core.NewError(core.KindResourceNotFound, "block not found: "+blockID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading block: %w", err)
	}
	var b storage.Block
	if err := json.Unmarshal(row.Body, &b); err != nil {
		return nil, fmt.Errorf("deserializing block %s: %w", blockID, err)
	}
	return &b, nil
}

func (s *Store) SaveBlock(ctx context.Context, block *storage.Block) error {
	body, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("serializing block: %w", err)
	}
	_, err = s.db.NewInsert().Model(&blockRow{ID: block.ID, Body: body}).
		On("CONFLICT (id) DO UPDATE").Set("body = EXCLUDED.body").Exec(ctx)
	return err
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (*storage.Connection, error) {
	row := new(connectionRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", connectionID).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, core.NewError(core.KindResourceNotFound, "connection not found: "+connectionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading connection: %w", err)
	}
	var c storage.Connection
	if err := json.Unmarshal(row.Body, &c); err != nil {
		return nil, fmt.Errorf("deserializing connection %s: %w", connectionID, err)
	}
	return &c, nil
}

func (s *Store) SaveConnection(ctx context.Context, conn *storage.Connection) error {
	body, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("serializing connection: %w", err)
	}
	_, err = s.db.NewInsert().Model(&connectionRow{ID: conn.ID, Body: body}).
		On("CONFLICT (id) DO UPDATE").Set("body = EXCLUDED.body").Exec(ctx)
	return err
}

func (s *Store) executionToRow(exec *storage.Execution) (*executionRow, error) {
	input, err := marshalJSON(exec.Input)
	if err != nil {
		return nil, fmt.Errorf("serializing execution input: %w", err)
	}
	output, err := marshalJSON(exec.Output)
	if err != nil {
		return nil, fmt.Errorf("serializing execution output: %w", err)
	}
	var errBody []byte
	if exec.Error != nil {
		if errBody, err = json.Marshal(exec.Error); err != nil {
			return nil, fmt.Errorf("serializing execution error: %w", err)
		}
	}
	trigger, err := json.Marshal(exec.TriggeredBy)
	if err != nil {
		return nil, fmt.Errorf("serializing trigger: %w", err)
	}
	metrics, err := json.Marshal(exec.Metrics)
	if err != nil {
		return nil, fmt.Errorf("serializing metrics: %w", err)
	}
	return &executionRow{
		ID:          exec.ID,
		FlowID:      exec.FlowID,
		FlowVersion: exec.FlowVersion,
		Status:      string(exec.Status),
		Input:       input,
		Output:      output,
		Error:       errBody,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		TriggeredBy: trigger,
		Metrics:     metrics,
		CreatedAt:   exec.CreatedAt,
	}, nil
}

func rowToExecution(row *executionRow) (*storage.Execution, error) {
	exec := &storage.Execution{
		ID:          row.ID,
		FlowID:      row.FlowID,
		FlowVersion: row.FlowVersion,
		Status:      storage.NormalizeStatus(row.Status),
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		CreatedAt:   row.CreatedAt,
	}
	if len(row.Input) > 0 {
		if err := json.Unmarshal(row.Input, &exec.Input); err != nil {
			return nil, fmt.Errorf("deserializing execution input: %w", err)
		}
	}
	if len(row.Output) > 0 {
		if err := json.Unmarshal(row.Output, &exec.Output); err != nil {
			return nil, fmt.Errorf("deserializing execution output: %w", err)
		}
	}
	if len(row.Error) > 0 {
		exec.Error = &storage.ExecutionError{}
		if err := json.Unmarshal(row.Error, exec.Error); err != nil {
			return nil, fmt.Errorf("deserializing execution error: %w", err)
		}
	}
	if len(row.TriggeredBy) > 0 {
		if err := json.Unmarshal(row.TriggeredBy, &exec.TriggeredBy); err != nil {
			return nil, fmt.Errorf("deserializing trigger: %w", err)
		}
	}
	if len(row.Metrics) > 0 {
		if err := json.Unmarshal(row.Metrics, &exec.Metrics); err != nil {
			return nil, fmt.Errorf("deserializing metrics: %w", err)
		}
	}
	return exec, nil
}

func (s *Store) CreateExecution(ctx context.Context, exec *storage.Execution) error {
	row, err := s.executionToRow(exec)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

func (s *Store) UpdateExecution(ctx context.Context, exec *storage.Execution) error {
	row, err := s.executionToRow(exec)
	if err != nil {
		return err
	}
	res, err := s.db.NewUpdate().Model(row).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, exec.ID)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (*storage.Execution, error) {
	row := new(executionRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", executionID).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution: %w", err)
	}
	return rowToExecution(row)
}

func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]*storage.Execution, error) {
	var rows []executionRow
	q := s.db.NewSelect().Model(&rows).OrderExpr("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]*storage.Execution, 0, len(rows))
	for i := range rows {
		exec, err := rowToExecution(&rows[i])
		if err != nil {
			s.logger.Warn("Skipping unreadable execution row", map[string]interface{}{
				"operation":    "execution_list_skip",
				"execution_id": rows[i].ID,
				"error":        err.Error(),
			})
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *Store) CreateBlockExecution(ctx context.Context, be *storage.BlockExecution) error {
	body, err := json.Marshal(be)
	if err != nil {
		return fmt.Errorf("serializing block execution: %w", err)
	}
	row := &blockExecutionRow{
		ID:          be.ID,
		ExecutionID: be.ExecutionID,
		Body:        body,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.NewInsert().Model(row).Exec(ctx)
	return err
}

func (s *Store) UpdateBlockExecution(ctx context.Context, be *storage.BlockExecution) error {
	body, err := json.Marshal(be)
	if err != nil {
		return fmt.Errorf("serializing block execution: %w", err)
	}
	res, err := s.db.NewUpdate().Model((*blockExecutionRow)(nil)).
		Set("body = ?", body).
		Where("id = ?", be.ID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("block execution not found: %s", be.ID)
	}
	return nil
}

func (s *Store) ListBlockExecutions(ctx context.Context, executionID string) ([]*storage.BlockExecution, error) {
	var rows []blockExecutionRow
	err := s.db.NewSelect().Model(&rows).
		Where("execution_id = ?", executionID).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing block executions: %w", err)
	}
	out := make([]*storage.BlockExecution, 0, len(rows))
	for i := range rows {
		var be storage.BlockExecution
		if err := json.Unmarshal(rows[i].Body, &be); err != nil {
			s.logger.Warn("Skipping malformed block execution row", map[string]interface{}{
				"operation":          "block_execution_skip",
				"execution_id":       executionID,
				"block_execution_id": rows[i].ID,
				"error":              err.Error(),
			})
			continue
		}
		be.Status = storage.NormalizeStatus(string(be.Status))
		out = append(out, &be)
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, record events.EventRecord) error {
	payload, err := marshalJSON(record.Payload)
	if err != nil {
		return fmt.Errorf("serializing event payload: %w", err)
	}
	row := &eventRow{
		ID:          record.ID,
		ExecutionID: record.ExecutionID,
		EventIndex:  record.Index,
		Kind:        string(record.Kind),
		Payload:     payload,
		CreatedAt:   record.Timestamp,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, executionID string, fromIndex int64) ([]events.EventRecord, error) {
	var rows []eventRow
	err := s.db.NewSelect().Model(&rows).
		Where("execution_id = ?", executionID).
		Where("event_index >= ?", fromIndex).
		OrderExpr("event_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	out := make([]events.EventRecord, 0, len(rows))
	for i := range rows {
		rec := events.EventRecord{
			ID:          rows[i].ID,
			ExecutionID: rows[i].ExecutionID,
			Index:       rows[i].EventIndex,
			Kind:        events.EventKind(rows[i].Kind),
			Timestamp:   rows[i].CreatedAt,
		}
		if len(rows[i].Payload) > 0 {
			if err := json.Unmarshal(rows[i].Payload, &rec.Payload); err != nil {
				s.logger.Warn("Skipping malformed event row", map[string]interface{}{
					"operation":    "event_row_skip",
					"execution_id": executionID,
					"index":        rows[i].EventIndex,
					"error":        err.Error(),
				})
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether a table or column name is safe to splice
// into SQL. Values never go through this path; they are always bound.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// InsertRow inserts one row of bound values into the named table. Table and
// column names must be plain identifiers; anything else is rejected before
// any SQL is built.
func (s *Store) InsertRow(ctx context.Context, table string, values map[string]interface{}) error {
	if !ValidIdentifier(table) {
		return core.NewValidationError("invalid table name",
			core.FieldIssue{Field: "table", Message: "must match ^[A-Za-z_][A-Za-z0-9_]*$"})
	}
	if len(values) == 0 {
		return core.NewValidationError("no values to insert")
	}

	columns := make([]string, 0, len(values))
	for col := range values {
		if !ValidIdentifier(col) {
			return core.NewValidationError("invalid column name",
				core.FieldIssue{Field: col, Message: "must match ^[A-Za-z_][A-Za-z0-9_]*$"})
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	row := make(map[string]interface{}, len(values))
	for _, col := range columns {
		row[col] = values[col]
	}
	_, err := s.db.NewInsert().Model(&row).Table(table).Exec(ctx)
	if err != nil {
		return fmt.Errorf("inserting into %s: %w", table, err)
	}
	return nil
}
