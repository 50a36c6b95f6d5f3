package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mentatlab/orchestrator/pkg/types"
)

// RedisStore implements RunStore backed by Redis: Run as a hash under
// run:{id}, NodeState under run:{id}:node:{node_id}, membership via
// SMEMBERS runs. Event storage lives in internal/eventlog, not here.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "run",
		TTL:          7 * 24 * time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "run"
	}

	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Client exposes the underlying redis client for components (EventLog,
// RedisQueueDriver) that share the same connection pool.
func (s *RedisStore) Client() *redis.Client { return s.client }

// Prefix exposes the configured key prefix.
func (s *RedisStore) Prefix() string { return s.prefix }

// Key layout: run:{id} hash (run fields plus the plan JSON), run:{id}:nodes
// set of node ids, run:{id}:node:{nid} hash per node, runs set of run ids.
func (s *RedisStore) keyRun(runID string) string { return fmt.Sprintf("%s:%s", s.prefix, runID) }
func (s *RedisStore) keyNode(runID, nodeID string) string {
	return fmt.Sprintf("%s:%s:node:%s", s.prefix, runID, nodeID)
}
func (s *RedisStore) keyNodeSet(runID string) string {
	return fmt.Sprintf("%s:%s:nodes", s.prefix, runID)
}

// keyRunSet is the global membership set of all known run ids. Its name is
// the literal "runs", independent of the configured key prefix, matching
// the documented persisted-state layout.
func (s *RedisStore) keyRunSet() string { return "runs" }

func (s *RedisStore) setTTL(ctx context.Context, runID string) {
	if s.ttl <= 0 {
		return
	}
	s.client.Expire(ctx, s.keyRun(runID), s.ttl)
	s.client.Expire(ctx, s.keyNodeSet(runID), s.ttl)
}

func (s *RedisStore) Create(ctx context.Context, run *types.Run) error {
	exists, err := s.client.Exists(ctx, s.keyRun(run.ID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists > 0 {
		return ErrConflict
	}

	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	planJSON := []byte("{}")
	if run.Plan != nil {
		planJSON, _ = json.Marshal(run.Plan)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyRun(run.ID), map[string]interface{}{
		"id":        run.ID,
		"mode":      string(run.Mode),
		"status":    string(run.Status),
		"plan":      string(planJSON),
		"createdAt": now.Format(time.RFC3339Nano),
		"updatedAt": now.Format(time.RFC3339Nano),
	})
	pipe.SAdd(ctx, s.keyRunSet(), run.ID)

	if run.Plan != nil {
		for _, n := range run.Plan.Nodes {
			state := &types.NodeState{RunID: run.ID, NodeID: n.ID, State: types.NodeStatusPending, Attempt: 1}
			pipe.HSet(ctx, s.keyNode(run.ID, n.ID), nodeStateFields(state))
			pipe.SAdd(ctx, s.keyNodeSet(run.ID), n.ID)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	s.setTTL(ctx, run.ID)
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.Run, error) {
	fields, err := s.client.HGetAll(ctx, s.keyRun(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	run := &types.Run{
		ID:     id,
		Mode:   types.RunMode(fields["mode"]),
		Status: types.RunStatus(fields["status"]),
		Error:  fields["error"],
	}
	parseMetaTimes(fields, run)

	if planJSON := fields["plan"]; planJSON != "" && planJSON != "{}" {
		var plan types.Plan
		if json.Unmarshal([]byte(planJSON), &plan) == nil {
			run.Plan = &plan
		}
	}
	return run, nil
}

func parseMetaTimes(meta map[string]string, run *types.Run) {
	if v := meta["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.CreatedAt = t
		}
	}
	if v := meta["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.UpdatedAt = t
		}
	}
	if v := meta["startedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.StartedAt = &t
		}
	}
	if v := meta["finishedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			run.FinishedAt = &t
		}
	}
}

func (s *RedisStore) List(ctx context.Context) ([]*types.Run, error) {
	ids, err := s.client.SMembers(ctx, s.keyRunSet()).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*types.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// UpdateStatus performs an optimistic-lock CAS using WATCH/MULTI on the
// run's meta hash: the status field is only written if it still equals
// expectedPrev at transaction time.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, expectedPrev, newStatus types.RunStatus) (*types.Run, error) {
	key := s.keyRun(id)
	var result *types.Run

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if types.RunStatus(current) != expectedPrev {
			return ErrConflict
		}
		// Terminal states are absorbing: no transition leaves them, even
		// when a caller correctly names the terminal status as expectedPrev.
		if expectedPrev.Terminal() {
			return ErrConflict
		}

		now := time.Now().UTC()
		fields := map[string]interface{}{
			"status":    string(newStatus),
			"updatedAt": now.Format(time.RFC3339Nano),
		}
		if newStatus == types.RunStatusRunning {
			fields["startedAt"] = now.Format(time.RFC3339Nano)
		}
		if newStatus.Terminal() {
			fields["finishedAt"] = now.Format(time.RFC3339Nano)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if err != nil {
		return nil, err
	}
	s.setTTL(ctx, id)
	result, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// nodeStateFields flattens a NodeState into the run:{id}:node:{nid} hash
// fields. Output is kept as a single JSON field since pin names are opaque.
func nodeStateFields(state *types.NodeState) map[string]interface{} {
	fields := map[string]interface{}{
		"runId":   state.RunID,
		"nodeId":  state.NodeID,
		"state":   string(state.State),
		"attempt": state.Attempt,
		"error":   state.Error,
	}
	if state.StartedAt != nil {
		fields["startedAt"] = state.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if state.FinishedAt != nil {
		fields["finishedAt"] = state.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(state.Output) > 0 {
		if b, err := json.Marshal(state.Output); err == nil {
			fields["output"] = string(b)
		}
	}
	return fields
}

func nodeStateFromFields(fields map[string]string) *types.NodeState {
	state := &types.NodeState{
		RunID:  fields["runId"],
		NodeID: fields["nodeId"],
		State:  types.NodeStatus(fields["state"]),
		Error:  fields["error"],
	}
	if v := fields["attempt"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			state.Attempt = n
		}
	}
	if v := fields["startedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			state.StartedAt = &t
		}
	}
	if v := fields["finishedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			state.FinishedAt = &t
		}
	}
	if v := fields["output"]; v != "" {
		_ = json.Unmarshal([]byte(v), &state.Output)
	}
	return state
}

func (s *RedisStore) PutNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.keyNode(runID, state.NodeID))
	pipe.HSet(ctx, s.keyNode(runID, state.NodeID), nodeStateFields(state))
	pipe.SAdd(ctx, s.keyNodeSet(runID), state.NodeID)
	pipe.HSet(ctx, s.keyRun(runID), "updatedAt", time.Now().UTC().Format(time.RFC3339Nano))
	if s.ttl > 0 {
		pipe.Expire(ctx, s.keyNode(runID, state.NodeID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put node state: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

func (s *RedisStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	fields, err := s.client.HGetAll(ctx, s.keyNode(runID, nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get node state: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return nodeStateFromFields(fields), nil
}

func (s *RedisStore) ListNodeStates(ctx context.Context, runID string) (map[string]*types.NodeState, error) {
	ids, err := s.client.SMembers(ctx, s.keyNodeSet(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list node ids: %w", err)
	}
	out := make(map[string]*types.NodeState, len(ids))
	for _, id := range ids {
		state, err := s.GetNodeState(ctx, runID, id)
		if err != nil {
			continue
		}
		out[id] = state
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.keyRun(id)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	nodeIDs, _ := s.client.SMembers(ctx, s.keyNodeSet(id)).Result()

	pipe := s.client.Pipeline()
	for _, nid := range nodeIDs {
		pipe.Del(ctx, s.keyNode(id, nid))
	}
	pipe.Del(ctx, s.keyRun(id), s.keyNodeSet(id))
	pipe.SRem(ctx, s.keyRunSet(), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{"adapter": "redis", "healthy": false, "error": err.Error()}, nil
	}
	pingLatency := time.Since(pingStart)
	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
			},
		},
	}, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

var _ RunStore = (*RedisStore)(nil)
