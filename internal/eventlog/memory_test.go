package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/mentatlab/orchestrator/pkg/types"
)

func appendN(t *testing.T, log *MemoryEventLog, runID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := log.Append(context.Background(), runID, types.EventKindLog, "", types.LogPayload{Message: "tick"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestMemoryEventLog_SeqMonotonicFromOne(t *testing.T) {
	log := NewMemoryEventLog(DefaultConfig())
	if err := log.NewRun(context.Background(), "run-1"); err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	var last uint64
	for i := 0; i < 10; i++ {
		seq, err := log.Append(context.Background(), "run-1", types.EventKindLog, "", types.LogPayload{Message: "x"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != last+1 {
			t.Fatalf("expected seq %d, got %d", last+1, seq)
		}
		last = seq
	}
}

func TestMemoryEventLog_RangeReturnsNoGapWhenNothingEvicted(t *testing.T) {
	log := NewMemoryEventLog(Config{RetentionEvents: 0, RetentionWindow: 0, MinReplay: 0})
	ctx := context.Background()
	if err := log.NewRun(ctx, "run-1"); err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	appendN(t, log, "run-1", 5)

	res, err := log.Range(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if res.Gap != nil {
		t.Fatalf("expected no gap, got %+v", res.Gap)
	}
	if len(res.Events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(res.Events))
	}
	for i, e := range res.Events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
	}
}

func TestMemoryEventLog_RetentionTrimPreservesMinReplay(t *testing.T) {
	log := NewMemoryEventLog(Config{RetentionEvents: 3, RetentionWindow: 0, MinReplay: 3})
	ctx := context.Background()
	if err := log.NewRun(ctx, "run-1"); err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	appendN(t, log, "run-1", 10)

	res, err := log.Range(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(res.Events) < 3 {
		t.Fatalf("expected at least MinReplay=3 events retained, got %d", len(res.Events))
	}
	// Trimming must never break monotonic seq ordering among what remains.
	for i := 1; i < len(res.Events); i++ {
		if res.Events[i].Seq <= res.Events[i-1].Seq {
			t.Fatalf("events out of order at %d: %d <= %d", i, res.Events[i].Seq, res.Events[i-1].Seq)
		}
	}
}

func TestMemoryEventLog_RangeReportsGapAfterEviction(t *testing.T) {
	log := NewMemoryEventLog(Config{RetentionEvents: 2, RetentionWindow: 0, MinReplay: 2})
	ctx := context.Background()
	if err := log.NewRun(ctx, "run-1"); err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	appendN(t, log, "run-1", 10)

	res, err := log.Range(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if res.Gap == nil {
		t.Fatal("expected a gap after eviction, got nil")
	}
	if res.Gap.From != 1 {
		t.Fatalf("expected gap to start at seq 1, got %d", res.Gap.From)
	}
}

func TestMemoryEventLog_SubscribeDeliversAppendedEvents(t *testing.T) {
	log := NewMemoryEventLog(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := log.NewRun(ctx, "run-1"); err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	cursor, err := log.Subscribe(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cursor.Close()

	if _, err := log.Append(ctx, "run-1", types.EventKindLog, "", types.LogPayload{Message: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case e := <-cursor.Events:
		if e.Seq != 1 {
			t.Fatalf("expected seq 1, got %d", e.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestMemoryEventLog_CloseRunEndsSubscription(t *testing.T) {
	log := NewMemoryEventLog(DefaultConfig())
	ctx := context.Background()
	if err := log.NewRun(ctx, "run-1"); err != nil {
		t.Fatalf("NewRun: %v", err)
	}

	cursor, err := log.Subscribe(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	log.CloseRun("run-1")

	select {
	case _, ok := <-cursor.Events:
		if ok {
			t.Fatal("expected channel to be closed with no pending events")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestMemoryEventLog_AppendAfterCloseFails(t *testing.T) {
	log := NewMemoryEventLog(DefaultConfig())
	ctx := context.Background()
	if err := log.NewRun(ctx, "run-1"); err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	appendN(t, log, "run-1", 3)

	log.CloseRun("run-1")

	// The terminal status event must stay the last event on the stream;
	// nothing may be appended to a sealed log.
	if _, err := log.Append(ctx, "run-1", types.EventKindHeartbeat, "", nil); err != ErrRunClosed {
		t.Fatalf("expected ErrRunClosed, got %v", err)
	}
	res, err := log.Range(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(res.Events) != 3 {
		t.Fatalf("expected the 3 pre-close events only, got %d", len(res.Events))
	}
}

func TestMemoryEventLog_UnknownRunErrors(t *testing.T) {
	log := NewMemoryEventLog(DefaultConfig())
	ctx := context.Background()

	if _, err := log.Append(ctx, "ghost", types.EventKindLog, "", nil); err != ErrUnknownRun {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
	if _, err := log.Range(ctx, "ghost", 0, 0); err != ErrUnknownRun {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
	if _, err := log.Subscribe(ctx, "ghost", 0); err != ErrUnknownRun {
		t.Fatalf("expected ErrUnknownRun, got %v", err)
	}
}
