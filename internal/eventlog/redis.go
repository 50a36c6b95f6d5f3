package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mentatlab/orchestrator/pkg/types"
)

// RedisEventLog is the Redis Streams-backed EventLog: XADD-per-append,
// XRANGE for range reads, XREAD BLOCK for tail subscription.
type RedisEventLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	cfg    Config
}

var _ EventLog = (*RedisEventLog)(nil)

// NewRedisEventLog builds a RedisEventLog sharing a client with the rest of
// the Redis-backed stack.
func NewRedisEventLog(client *redis.Client, prefix string, ttl time.Duration, cfg Config) *RedisEventLog {
	if prefix == "" {
		prefix = "runs"
	}
	return &RedisEventLog{client: client, prefix: prefix, ttl: ttl, cfg: cfg}
}

func (r *RedisEventLog) keyEvents(runID string) string {
	return fmt.Sprintf("%s:%s:events", r.prefix, runID)
}

// keyClosed is the terminal sentinel: once set, the run's log is sealed and
// Append rejects with ErrRunClosed, mirroring MemoryEventLog's closed flag.
func (r *RedisEventLog) keyClosed(runID string) string {
	return fmt.Sprintf("%s:%s:events:closed", r.prefix, runID)
}

func (r *RedisEventLog) isClosed(ctx context.Context, runID string) bool {
	n, err := r.client.Exists(ctx, r.keyClosed(runID)).Result()
	return err == nil && n > 0
}

func (r *RedisEventLog) NewRun(ctx context.Context, runID string) error {
	// The stream key is created lazily by the first XADD; nothing to do here.
	return nil
}

func (r *RedisEventLog) Append(ctx context.Context, runID string, kind types.EventKind, nodeID string, payload interface{}) (uint64, error) {
	if r.isClosed(ctx, runID) {
		return 0, ErrRunClosed
	}

	now := time.Now().UTC()
	data := types.MarshalPayload(payload)

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.keyEvents(runID),
		MaxLen: int64(r.cfg.RetentionEvents),
		Approx: true,
		Values: map[string]interface{}{
			"kind":    string(kind),
			"nodeId":  nodeID,
			"payload": string(data),
			"ts":      now.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xadd: %w", err)
	}

	seq, err := streamIDToSeq(id)
	if err != nil {
		return 0, err
	}
	if r.ttl > 0 {
		r.client.Expire(ctx, r.keyEvents(runID), r.ttl)
	}
	return seq, nil
}

// streamIDToSeq maps a Redis Stream entry ID ("<ms>-<seq>") to a dense
// uint64 by combining both halves; monotonic because Redis stream IDs are
// themselves monotonic per stream.
func streamIDToSeq(id string) (uint64, error) {
	ms, seq, found := cutLast(id, "-")
	if !found {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, err
	}
	seqVal, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, err
	}
	return msVal*10000 + seqVal, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	idx := -1
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			idx = i
		}
	}
	if idx < 0 {
		return s, "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

func (r *RedisEventLog) Range(ctx context.Context, runID string, fromSeqExclusive uint64, limit int) (RangeResult, error) {
	entries, err := r.client.XRange(ctx, r.keyEvents(runID), "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return RangeResult{}, fmt.Errorf("xrange: %w", err)
	}

	var res RangeResult
	first := true
	for _, entry := range entries {
		seq, err := streamIDToSeq(entry.ID)
		if err != nil {
			continue
		}
		if first {
			first = false
			if seq > fromSeqExclusive+1 {
				res.Gap = &types.GapPayload{From: fromSeqExclusive + 1, To: seq - 1}
			}
		}
		if seq <= fromSeqExclusive {
			continue
		}
		res.Events = append(res.Events, entryToEvent(runID, entry.Values, seq))
		if limit > 0 && len(res.Events) >= limit {
			break
		}
	}
	return res, nil
}

func entryToEvent(runID string, values map[string]interface{}, seq uint64) types.Event {
	kind, _ := values["kind"].(string)
	nodeID, _ := values["nodeId"].(string)
	payload, _ := values["payload"].(string)
	tsStr, _ := values["ts"].(string)
	ts, _ := time.Parse(time.RFC3339Nano, tsStr)
	return types.Event{
		Seq:     seq,
		RunID:   runID,
		Kind:    types.EventKind(kind),
		NodeID:  nodeID,
		Payload: []byte(payload),
		Ts:      ts,
	}
}

func (r *RedisEventLog) RetentionFloor(ctx context.Context, runID string) (uint64, error) {
	entries, err := r.client.XRange(ctx, r.keyEvents(runID), "-", "+").Result()
	if err != nil || len(entries) == 0 {
		return 0, nil
	}
	return streamIDToSeq(entries[0].ID)
}

func (r *RedisEventLog) RetentionTrim(ctx context.Context, runID string) error {
	cutoffMs := time.Now().Add(-r.cfg.RetentionWindow).UnixMilli()
	minID := fmt.Sprintf("%d-0", cutoffMs)
	return r.client.XTrimMinID(ctx, r.keyEvents(runID), minID).Err()
}

func (r *RedisEventLog) Subscribe(ctx context.Context, runID string, fromSeqExclusive uint64) (*Cursor, error) {
	ctx, cancel := context.WithCancel(ctx)
	events := make(chan types.Event, 64)

	go func() {
		defer close(events)
		lastID := seqToStreamFloor(fromSeqExclusive)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			streams, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.keyEvents(runID), lastID},
				Count:   64,
				Block:   time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Nothing new within the block window. A sealed log with a
					// drained tail means the terminal event is already behind
					// the cursor, so the subscription is finite and ends here.
					if r.isClosed(ctx, runID) {
						return
					}
					continue
				}
				if errors.Is(err, context.Canceled) {
					continue
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}
			for _, stream := range streams {
				for _, entry := range stream.Messages {
					lastID = entry.ID
					seq, err := streamIDToSeq(entry.ID)
					if err != nil {
						continue
					}
					ev := entryToEvent(runID, entry.Values, seq)
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
					// The terminal status event is the last event on any
					// run's stream; once delivered, the cursor is finite.
					if isTerminalStatusEvent(ev) {
						return
					}
				}
			}
		}
	}()

	return &Cursor{Events: events, cancel: cancel}, nil
}

// seqToStreamFloor approximates a Redis Stream ID to resume XREAD after a
// given dense seq. Because streamIDToSeq is injective but not trivially
// invertible, reads start from "0" and rely on the caller (Fanout) to
// dedupe/skip seq <= fromSeqExclusive using Range for the historical part;
// Subscribe here only needs to pick up new entries reliably, so starting
// from "$" (latest) is correct whenever fromSeqExclusive already covers
// history via a prior Range call.
func seqToStreamFloor(fromSeqExclusive uint64) string {
	if fromSeqExclusive == 0 {
		return "0"
	}
	return "$"
}

// CloseRun seals the run's log by persisting the terminal sentinel: further
// Appends fail with ErrRunClosed and blocked subscribers drain and end. The
// sentinel shares the event stream's TTL so it expires with the history it
// guards.
func (r *RedisEventLog) CloseRun(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ttl := r.ttl
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	// Best effort: if the seal write fails, subscribers still end on the
	// terminal status event itself; only the append seal is lost.
	_ = r.client.Set(ctx, r.keyClosed(runID), "1", ttl).Err()
}

// isTerminalStatusEvent reports whether ev is a run-level status event
// carrying an absorbing status.
func isTerminalStatusEvent(ev types.Event) bool {
	if ev.Kind != types.EventKindStatus {
		return false
	}
	var p types.StatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return false
	}
	return p.Status.Terminal()
}
