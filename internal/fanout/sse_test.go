package fanout

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/internal/runstore"
	"github.com/mentatlab/orchestrator/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestRun(t *testing.T, store runstore.RunStore, log eventlog.EventLog, runID string) {
	t.Helper()
	run := &types.Run{ID: runID, Status: types.RunStatusRunning}
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	if err := log.NewRun(context.Background(), runID); err != nil {
		t.Fatalf("log.NewRun: %v", err)
	}
}

// serveAndCapture runs Serve until the deadline elapses (the subscribe loop
// otherwise blocks forever on a live run), then returns the recorded body.
func serveAndCapture(t *testing.T, h *SSEHandler, req *http.Request, wait time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(req.Context(), wait)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	h.Serve(rec, req, "run-1")
	return rec.Body.String()
}

func TestSSEHandler_NotFoundForMissingRun(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	h := NewSSEHandler(log, store, DefaultSSEConfig(), testLogger())

	req := httptest.NewRequest("GET", "/api/v1/runs/ghost/events", nil)
	rec := httptest.NewRecorder()
	h.Serve(rec, req, "ghost")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSSEHandler_ResumesFromLastEventID(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	newTestRun(t, store, log, "run-1")

	for i := 0; i < 5; i++ {
		if _, err := log.Append(context.Background(), "run-1", types.EventKindLog, "", types.LogPayload{Message: "x"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	h := NewSSEHandler(log, store, SSEConfig{HeartbeatInterval: time.Hour}, testLogger())
	req := httptest.NewRequest("GET", "/api/v1/runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "3")

	body := serveAndCapture(t, h, req, 100*time.Millisecond)

	if strings.Count(body, "event: hello") != 1 {
		t.Fatalf("expected exactly one hello event, body:\n%s", body)
	}
	// Only seq 4 and 5 should replay after resuming from 3.
	if strings.Contains(body, "\"seq\":1") || strings.Contains(body, "id: 1\n") {
		t.Fatalf("did not expect event 1 to replay, body:\n%s", body)
	}
	if !strings.Contains(body, "id: 4\n") || !strings.Contains(body, "id: 5\n") {
		t.Fatalf("expected events 4 and 5 to replay, body:\n%s", body)
	}
}

func TestSSEHandler_LastEventIDQueryParamFallback(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	newTestRun(t, store, log, "run-1")

	for i := 0; i < 3; i++ {
		if _, err := log.Append(context.Background(), "run-1", types.EventKindLog, "", types.LogPayload{Message: "x"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	h := NewSSEHandler(log, store, SSEConfig{HeartbeatInterval: time.Hour}, testLogger())
	req := httptest.NewRequest("GET", "/api/v1/runs/run-1/events?lastEventId=2", nil)

	body := serveAndCapture(t, h, req, 100*time.Millisecond)

	if !strings.Contains(body, "id: 3\n") {
		t.Fatalf("expected event 3 to replay via query param fallback, body:\n%s", body)
	}
	if strings.Contains(body, "id: 2\n") {
		t.Fatalf("did not expect event 2 to replay, body:\n%s", body)
	}
}

func TestSSEHandler_EmitsGapWhenCursorBelowRetentionFloor(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.Config{RetentionEvents: 2, RetentionWindow: 0, MinReplay: 2})
	newTestRun(t, store, log, "run-1")

	for i := 0; i < 10; i++ {
		if _, err := log.Append(context.Background(), "run-1", types.EventKindLog, "", types.LogPayload{Message: "x"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	h := NewSSEHandler(log, store, SSEConfig{HeartbeatInterval: time.Hour}, testLogger())
	req := httptest.NewRequest("GET", "/api/v1/runs/run-1/events", nil)
	req.Header.Set("Last-Event-ID", "0")

	body := serveAndCapture(t, h, req, 100*time.Millisecond)

	if !strings.Contains(body, "event: gap") {
		t.Fatalf("expected a gap event after retention eviction, body:\n%s", body)
	}
}

func TestSSEHandler_ReplayQueryParamCapsHistory(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	newTestRun(t, store, log, "run-1")

	for i := 0; i < 5; i++ {
		if _, err := log.Append(context.Background(), "run-1", types.EventKindLog, "", types.LogPayload{Message: "x"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	h := NewSSEHandler(log, store, SSEConfig{HeartbeatInterval: time.Hour}, testLogger())
	req := httptest.NewRequest("GET", "/api/v1/runs/run-1/events?replay=2", nil)

	body := serveAndCapture(t, h, req, 100*time.Millisecond)

	if strings.Contains(body, "id: 3\n") {
		t.Fatalf("replay=2 should only replay the 2 most recent events (4,5), body:\n%s", body)
	}
	if !strings.Contains(body, "id: 4\n") || !strings.Contains(body, "id: 5\n") {
		t.Fatalf("expected events 4 and 5 to replay, body:\n%s", body)
	}
}

func TestSSEHandler_HeartbeatAppendsRealEvent(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	newTestRun(t, store, log, "run-1")

	h := NewSSEHandler(log, store, SSEConfig{HeartbeatInterval: 20 * time.Millisecond}, testLogger())
	req := httptest.NewRequest("GET", "/api/v1/runs/run-1/events", nil)

	body := serveAndCapture(t, h, req, 150*time.Millisecond)

	if !strings.Contains(body, "event: heartbeat") {
		t.Fatalf("expected at least one heartbeat event, body:\n%s", body)
	}

	res, err := log.Range(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	found := false
	for _, e := range res.Events {
		if e.Kind == types.EventKindHeartbeat {
			found = true
		}
	}
	if !found {
		t.Fatal("expected heartbeat to be appended to the event log, not sent as an SSE-only comment")
	}
}
