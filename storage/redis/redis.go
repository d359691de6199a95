// Package redis provides a Redis-backed storage.Store. Records are stored
// as JSON values under a configurable key prefix; the event log uses one
// hash per execution with HSETNX so the (executionID, index) uniqueness
// guarantee holds even under concurrent writers.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowstack-io/flowstack/core"
	"github.com/flowstack-io/flowstack/events"
	"github.com/flowstack-io/flowstack/storage"
)

const defaultKeyPrefix = "flowstack:"

// Option configures the Redis store.
type Option func(*config)

type config struct {
	url       string
	db        int
	keyPrefix string
	logger    core.Logger
}

// WithURL sets the Redis connection URL.
func WithURL(url string) Option {
	return func(c *config) { c.url = url }
}

// WithDB sets the Redis database number.
func WithDB(db int) Option {
	return func(c *config) { c.db = db }
}

// WithKeyPrefix sets a custom key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) { c.keyPrefix = prefix }
}

// WithLogger sets the logger for store operations.
func WithLogger(logger core.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Store is a Redis-backed implementation of storage.Store.
type Store struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a Redis store. Defaults come from the environment:
// FLOWSTACK_REDIS_URL or REDIS_URL (default localhost:6379),
// FLOWSTACK_REDIS_DB, FLOWSTACK_REDIS_KEY_PREFIX. The connection is
// verified with a short ping.
func New(opts ...Option) (*Store, error) {
	cfg := &config{
		url:       envString("FLOWSTACK_REDIS_URL", envString("REDIS_URL", "localhost:6379")),
		db:        envInt("FLOWSTACK_REDIS_DB", 0),
		keyPrefix: envString("FLOWSTACK_REDIS_KEY_PREFIX", defaultKeyPrefix),
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	redisOpt, err := redis.ParseURL(cfg.url)
	if err != nil {
		redisOpt = &redis.Options{Addr: cfg.url}
	}
	redisOpt.DB = cfg.db

	client := redis.NewClient(redisOpt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed at %s (DB %d): %w\n"+
			"Hint: check FLOWSTACK_REDIS_URL or REDIS_URL, or use WithURL()",
			cfg.url, cfg.db, err)
	}

	cfg.logger.Info("Redis store initialized", map[string]interface{}{
		"operation":  "redis_store_init",
		"redis_addr": redisOpt.Addr,
		"redis_db":   cfg.db,
		"key_prefix": cfg.keyPrefix,
	})

	return &Store{client: client, keyPrefix: cfg.keyPrefix, logger: cfg.logger}, nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Store{client: client, keyPrefix: defaultKeyPrefix, logger: logger}
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(parts ...string) string {
	k := s.keyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serializing %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("deserializing %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) GetFlow(ctx context.Context, flowID string) (*storage.Flow, error) {
	var f storage.Flow
	ok, err := s.getJSON(ctx, s.key("flow", flowID), &f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrFlowNotFound, flowID)
	}
	return &f, nil
}

func (s *Store) SaveFlow(ctx context.Context, flow *storage.Flow) error {
	return s.setJSON(ctx, s.key("flow", flow.ID), flow)
}

func (s *Store) GetBlock(ctx context.Context, blockID string) (*storage.Block, error) {
	var b storage.Block
	ok, err := s.getJSON(ctx, s.key("block", blockID), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.KindResourceNotFound, "block not found: "+blockID)
	}
	return &b, nil
}

func (s *Store) SaveBlock(ctx context.Context, block *storage.Block) error {
	return s.setJSON(ctx, s.key("block", block.ID), block)
}

func (s *Store) GetConnection(ctx context.Context, connectionID string) (*storage.Connection, error) {
	var c storage.Connection
	ok, err := s.getJSON(ctx, s.key("connection", connectionID), &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.KindResourceNotFound, "connection not found: "+connectionID)
	}
	return &c, nil
}

func (s *Store) SaveConnection(ctx context.Context, conn *storage.Connection) error {
	return s.setJSON(ctx, s.key("connection", conn.ID), conn)
}

func (s *Store) CreateExecution(ctx context.Context, exec *storage.Execution) error {
	if err := s.setJSON(ctx, s.key("execution", exec.ID), exec); err != nil {
		return err
	}
	// Index for recency listing; best effort.
	if err := s.client.ZAdd(ctx, s.key("executions", "index"), &redis.Z{
		Score:  float64(exec.CreatedAt.UnixNano()),
		Member: exec.ID,
	}).Err(); err != nil {
		s.logger.Warn("Failed to index execution", map[string]interface{}{
			"operation":    "execution_index",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
	}
	return nil
}

func (s *Store) UpdateExecution(ctx context.Context, exec *storage.Execution) error {
	return s.setJSON(ctx, s.key("execution", exec.ID), exec)
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (*storage.Execution, error) {
	var e storage.Execution
	ok, err := s.getJSON(ctx, s.key("execution", executionID), &e)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, executionID)
	}
	e.Status = storage.NormalizeStatus(string(e.Status))
	return &e, nil
}

func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]*storage.Execution, error) {
	stop := int64(limit - 1)
	if limit <= 0 {
		stop = -1
	}
	ids, err := s.client.ZRevRange(ctx, s.key("executions", "index"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]*storage.Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			s.logger.Warn("Skipping unreadable execution row", map[string]interface{}{
				"operation":    "execution_list_skip",
				"execution_id": id,
				"error":        err.Error(),
			})
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) CreateBlockExecution(ctx context.Context, be *storage.BlockExecution) error {
	data, err := json.Marshal(be)
	if err != nil {
		return fmt.Errorf("serializing block execution: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key("blockexecs", be.ExecutionID), be.ID, data)
	pipe.RPush(ctx, s.key("blockexecs", "order", be.ExecutionID), be.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) UpdateBlockExecution(ctx context.Context, be *storage.BlockExecution) error {
	data, err := json.Marshal(be)
	if err != nil {
		return fmt.Errorf("serializing block execution: %w", err)
	}
	return s.client.HSet(ctx, s.key("blockexecs", be.ExecutionID), be.ID, data).Err()
}

func (s *Store) ListBlockExecutions(ctx context.Context, executionID string) ([]*storage.BlockExecution, error) {
	ids, err := s.client.LRange(ctx, s.key("blockexecs", "order", executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing block executions: %w", err)
	}
	rows, err := s.client.HGetAll(ctx, s.key("blockexecs", executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading block executions: %w", err)
	}

	out := make([]*storage.BlockExecution, 0, len(ids))
	for _, id := range ids {
		raw, ok := rows[id]
		if !ok {
			continue
		}
		var be storage.BlockExecution
		if err := json.Unmarshal([]byte(raw), &be); err != nil {
			s.logger.Warn("Skipping malformed block execution row", map[string]interface{}{
				"operation":          "block_execution_skip",
				"execution_id":       executionID,
				"block_execution_id": id,
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
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serializing event: %w", err)
	}
	field := strconv.FormatInt(record.Index, 10)
	created, err := s.client.HSetNX(ctx, s.key("events", record.ExecutionID), field, data).Result()
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if !created {
		return fmt.Errorf("duplicate event index %d for execution %s", record.Index, record.ExecutionID)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, executionID string, fromIndex int64) ([]events.EventRecord, error) {
	rows, err := s.client.HGetAll(ctx, s.key("events", executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	out := make([]events.EventRecord, 0, len(rows))
	for field, raw := range rows {
		idx, err := strconv.ParseInt(field, 10, 64)
		if err != nil || idx < fromIndex {
			continue
		}
		var rec events.EventRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("Skipping malformed event row", map[string]interface{}{
				"operation":    "event_row_skip",
				"execution_id": executionID,
				"index":        idx,
				"error":        err.Error(),
			})
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
