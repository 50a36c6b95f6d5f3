// Package eventlog implements the per-run append-only event log: tail
// subscription, range replay and retention trimming with gap sentinels.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/mentatlab/orchestrator/pkg/types"
)

var (
	// ErrUnknownRun is returned by Append/Range/Subscribe for a run id that
	// has never been registered with NewRun.
	ErrUnknownRun = errors.New("eventlog: unknown run id")

	// ErrRunClosed is returned by Append once CloseRun has sealed a run's
	// log: the terminal status event must be the last event on the stream.
	ErrRunClosed = errors.New("eventlog: run log closed")
)

// Config bounds an EventLog's retention window. A trim preserves at least
// MinReplay events regardless of age.
type Config struct {
	RetentionEvents int
	RetentionWindow time.Duration
	MinReplay       int
}

// DefaultConfig returns the standard retention window.
func DefaultConfig() Config {
	return Config{
		RetentionEvents: 500,
		RetentionWindow: 10 * time.Minute,
		MinReplay:       100,
	}
}

// RangeResult is the result of a bounded read: either a contiguous slice of
// events, or an indication that the requested cursor fell below the
// retention floor (Gap != nil), in which case Events still carries
// everything available from the floor onward.
type RangeResult struct {
	Events []types.Event
	Gap    *types.GapPayload
}

// Cursor is a cancellable, lazy sequence of events starting after a given
// seq. Close must be called when the subscriber is done to release the
// underlying goroutine/resources.
type Cursor struct {
	Events <-chan types.Event
	Err    <-chan error
	cancel context.CancelFunc
}

// Close cancels the cursor's subscription.
func (c *Cursor) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}

// EventLog is the per-run ordered event stream abstraction.
type EventLog interface {
	// NewRun registers a fresh, empty log for runID.
	NewRun(ctx context.Context, runID string) error

	// Append assigns the next sequence number (starting at 1) and stores
	// the event. Fails on an unknown run_id, and with ErrRunClosed once
	// CloseRun has sealed the run.
	Append(ctx context.Context, runID string, kind types.EventKind, nodeID string, payload interface{}) (uint64, error)

	// Range returns events with seq > fromSeqExclusive, up to limit (0 means
	// no limit). If fromSeqExclusive is below the retention floor, Gap is
	// populated and Events starts from the floor.
	Range(ctx context.Context, runID string, fromSeqExclusive uint64, limit int) (RangeResult, error)

	// Subscribe returns a Cursor delivering events with seq > fromSeqExclusive,
	// live. If fromSeqExclusive is below the retention floor the first
	// delivered item's Seq will not be fromSeqExclusive+1; callers should
	// call Range first to detect and surface the gap, then Subscribe from
	// the floor.
	Subscribe(ctx context.Context, runID string, fromSeqExclusive uint64) (*Cursor, error)

	// RetentionTrim drops events older than the configured window, always
	// preserving at least MinReplay most recent events.
	RetentionTrim(ctx context.Context, runID string) error

	// RetentionFloor returns the lowest seq still available for runID.
	// MemoryEventLog reports 0 until an event has been evicted;
	// RedisEventLog reports 0 for an empty stream.
	RetentionFloor(ctx context.Context, runID string) (uint64, error)

	// CloseRun seals a terminal run's log: live subscriptions drain and end,
	// and further Appends fail with ErrRunClosed.
	CloseRun(runID string)
}
