package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueDriver dispatches node executions to external worker processes
// via a Redis list acting as a work queue (LPUSH/BRPOP), then polls a
// per-task result key for completion. This is the driver used when agent
// execution happens out-of-process on a separate worker fleet that only
// shares Redis with the orchestrator.
type RedisQueueDriver struct {
	client    *redis.Client
	emitter   Emitter
	pollEvery time.Duration
	grace     time.Duration
}

// RedisQueueConfig tunes polling cadence and the grace period applied when
// no timeout is configured on the node itself.
type RedisQueueConfig struct {
	PollEvery time.Duration
	Grace     time.Duration
}

// DefaultRedisQueueConfig returns sensible defaults.
func DefaultRedisQueueConfig() RedisQueueConfig {
	return RedisQueueConfig{PollEvery: 250 * time.Millisecond, Grace: 30 * time.Second}
}

// NewRedisQueueDriver builds a RedisQueueDriver sharing a client with the
// rest of the Redis-backed stack.
func NewRedisQueueDriver(client *redis.Client, emitter Emitter, cfg RedisQueueConfig) *RedisQueueDriver {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 250 * time.Millisecond
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	return &RedisQueueDriver{client: client, emitter: emitter, pollEvery: cfg.PollEvery, grace: cfg.Grace}
}

type queueTask struct {
	TaskID  string                     `json:"task_id"`
	RunID   string                     `json:"run_id"`
	NodeID  string                     `json:"node_id"`
	Params  map[string]json.RawMessage `json:"params,omitempty"`
	Cmd     []string                   `json:"cmd"`
	Env     map[string]string          `json:"env"`
	Attempt int                        `json:"attempt"`
}

type queueResult struct {
	Succeeded bool                       `json:"succeeded"`
	Canceled  bool                       `json:"canceled"`
	Kind      string                     `json:"kind"`
	Message   string                     `json:"message"`
	ExitCode  int                        `json:"exit_code"`
	Outputs   map[string]json.RawMessage `json:"outputs,omitempty"`
}

func (d *RedisQueueDriver) queueKey(agentRef string) string { return fmt.Sprintf("queue:%s", agentRef) }
func (d *RedisQueueDriver) resultKey(taskID string) string  { return fmt.Sprintf("result:%s", taskID) }
func (d *RedisQueueDriver) abortKey(runID, nodeID string) string {
	return fmt.Sprintf("abort:%s:%s", runID, nodeID)
}

func (d *RedisQueueDriver) Execute(ctx context.Context, runID, nodeID, agentRef string, params map[string]json.RawMessage, cmd []string, env map[string]string, timeout float64, attempt int) Result {
	taskID := fmt.Sprintf("%s-%s-a%d", runID, nodeID, attempt)
	task := queueTask{TaskID: taskID, RunID: runID, NodeID: nodeID, Params: params, Cmd: cmd, Env: env, Attempt: attempt}
	payload, err := json.Marshal(task)
	if err != nil {
		return Result{Kind: FailurePermanent, Message: fmt.Sprintf("marshal task: %v", err), ExitCode: 1}
	}

	if err := d.client.LPush(ctx, d.queueKey(agentRef), payload).Err(); err != nil {
		return Result{Kind: FailureTransient, Message: fmt.Sprintf("enqueue: %v", err), ExitCode: -1}
	}

	d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "running", "task_id": taskID, "attempt": attempt})

	// Grace period: the node's own timeout if set, otherwise the driver
	// default. A queue with no worker picking the task up within it is a
	// transient failure, not a permanent one.
	graceDuration := d.grace
	if timeout > 0 {
		graceDuration = time.Duration(timeout * float64(time.Second))
	}
	deadline := time.Now().Add(graceDuration)

	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.client.Set(ctx, d.abortKey(runID, nodeID), "1", time.Minute)
			d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "canceled"})
			return Result{Canceled: true, ExitCode: -1}
		case <-ticker.C:
			raw, err := d.client.Get(ctx, d.resultKey(taskID)).Result()
			if err == redis.Nil {
				if time.Now().After(deadline) {
					d.client.Set(ctx, d.abortKey(runID, nodeID), "1", time.Minute)
					d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "failed", "reason": "timeout"})
					return Result{Kind: FailureTransient, Message: "timed out waiting for worker", ExitCode: 124}
				}
				continue
			}
			if err != nil {
				continue
			}
			var res queueResult
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return Result{Kind: FailurePermanent, Message: fmt.Sprintf("unmarshal result: %v", err), ExitCode: 1}
			}
			d.client.Del(ctx, d.resultKey(taskID))
			return d.finalize(ctx, runID, nodeID, res)
		}
	}
}

func (d *RedisQueueDriver) finalize(ctx context.Context, runID, nodeID string, res queueResult) Result {
	switch {
	case res.Canceled:
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "canceled"})
		return Result{Canceled: true, ExitCode: res.ExitCode}
	case res.Succeeded:
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "succeeded"})
		return Result{Succeeded: true, Outputs: res.Outputs, ExitCode: res.ExitCode}
	default:
		kind := FailurePermanent
		if res.Kind == string(FailureTransient) {
			kind = FailureTransient
		}
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "failed", "exitCode": res.ExitCode, "error": res.Message})
		return Result{Kind: kind, Message: res.Message, ExitCode: res.ExitCode}
	}
}

// Abort sets a sentinel key the remote worker is expected to poll and
// idempotently signals cancellation; safe to call repeatedly.
func (d *RedisQueueDriver) Abort(ctx context.Context, runID, nodeID string) error {
	return d.client.Set(ctx, d.abortKey(runID, nodeID), "1", time.Minute).Err()
}

func (d *RedisQueueDriver) Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error) {
	return nil, ErrLogsNotSupported
}

func (d *RedisQueueDriver) emit(ctx context.Context, runID, nodeID, eventType string, data map[string]interface{}) {
	if d.emitter == nil {
		return
	}
	d.emitter.EmitEvent(ctx, runID, eventType, data, nodeID, "")
}

var _ Driver = (*RedisQueueDriver)(nil)
