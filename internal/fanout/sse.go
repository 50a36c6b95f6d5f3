// Package fanout delivers EventLog entries to external subscribers: an SSE
// handler with Last-Event-ID resume, and a WebSocket hub for multiplexed
// subscriptions.
package fanout

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/internal/metrics"
	"github.com/mentatlab/orchestrator/internal/runstore"
	"github.com/mentatlab/orchestrator/pkg/types"
)

// SSEConfig tunes the SSE handler.
type SSEConfig struct {
	// HeartbeatInterval bounds how long a subscriber may go without a frame.
	HeartbeatInterval time.Duration
}

// DefaultSSEConfig returns the standard heartbeat cadence.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{HeartbeatInterval: 30 * time.Second}
}

// SSEHandler streams one run's EventLog as Server-Sent Events, honoring
// Last-Event-ID resume and emitting a synthetic gap event when the
// requested cursor has fallen below the retention floor.
type SSEHandler struct {
	log    eventlog.EventLog
	store  runstore.RunStore
	cfg    SSEConfig
	logger *slog.Logger
}

// NewSSEHandler builds an SSEHandler.
func NewSSEHandler(log eventlog.EventLog, store runstore.RunStore, cfg SSEConfig, logger *slog.Logger) *SSEHandler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultSSEConfig().HeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{log: log, store: store, cfg: cfg, logger: logger}
}

// Serve streams runID's event log to w. The caller (internal/api) is
// responsible for extracting runID from the route; Serve itself responds
// 404 when the run does not exist.
func (h *SSEHandler) Serve(w http.ResponseWriter, r *http.Request, runID string) {
	ctx := r.Context()
	started := time.Now()

	run, err := h.store.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load run", http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	fromSeq := resumeCursor(r)
	metrics.SSEActiveConnections.Inc()
	defer func() {
		metrics.SSEActiveConnections.Dec()
		metrics.SSEConnectionDuration.Observe(time.Since(started).Seconds())
	}()

	// The hello frame deliberately has no id: line. An SSE client's
	// Last-Event-ID only advances on frames that carry an id, so a synthetic
	// frame must not overwrite the cursor the client resumed with.
	h.writeFrame(w, flusher, types.EventKindHello,
		types.MarshalPayload(types.HelloPayload{RunID: runID, CurrentStatus: run.Status, Resumed: fromSeq > 0, ServerTime: time.Now().UTC()}))

	lastSeq := fromSeq
	rangeResult, err := h.log.Range(ctx, runID, fromSeq, 0)
	if err != nil {
		h.logger.Error("range failed", "run_id", runID, "error", err)
	} else {
		if rangeResult.Gap != nil {
			h.writeEvent(w, flusher, types.Event{
				Seq:     rangeResult.Gap.To,
				RunID:   runID,
				Kind:    types.EventKindGap,
				Payload: types.MarshalPayload(rangeResult.Gap),
				Ts:      time.Now().UTC(),
			})
		}
		events := rangeResult.Events
		// ?replay=N caps the historical catch-up to the N most recent events,
		// for callers that only want recent context rather than full history.
		if n, ok := replayLimit(r); ok && n < len(events) {
			events = events[len(events)-n:]
		}
		for _, e := range events {
			h.writeEvent(w, flusher, e)
		}
		// The live tail picks up after everything the range covered, even
		// when ?replay=N elided part of it from the wire.
		if n := len(rangeResult.Events); n > 0 {
			lastSeq = rangeResult.Events[n-1].Seq
		}
	}

	cursor, err := h.log.Subscribe(ctx, runID, lastSeq)
	if err != nil {
		h.logger.Error("subscribe failed", "run_id", runID, "error", err)
		return
	}
	defer cursor.Close()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-cursor.Events:
			if !ok {
				return
			}
			h.writeEvent(w, flusher, e)
			lastSeq = e.Seq

		case <-heartbeat.C:
			// The heartbeat is a real event: appending it consumes a seq and
			// makes it replayable on reconnect. The live subscription cursor
			// above delivers the frame, so it is not written here too. A run
			// whose log has already been closed (terminal drained) gets no
			// further heartbeats; the cursor channel is about to close anyway.
			if _, err := h.log.Append(ctx, runID, types.EventKindHeartbeat, "", types.HeartbeatPayload{Ts: time.Now().UTC()}); err != nil {
				continue
			}
		}
	}
}

func (h *SSEHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, e types.Event) {
	if _, err := w.Write(e.ToSSE()); err != nil {
		return
	}
	flusher.Flush()
	metrics.EventsTotal.WithLabelValues(string(e.Kind)).Inc()
}

// writeFrame emits an id-less SSE frame for synthetic events (hello) that
// must not advance the client's Last-Event-ID cursor.
func (h *SSEHandler) writeFrame(w http.ResponseWriter, flusher http.Flusher, kind types.EventKind, payload []byte) {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, payload); err != nil {
		return
	}
	flusher.Flush()
	metrics.EventsTotal.WithLabelValues(string(kind)).Inc()
}

// resumeCursor resolves the resume point, in precedence order: HTTP
// Last-Event-ID header first, then the ?lastEventId= query parameter, then
// start from the beginning (0).
func resumeCursor(r *http.Request) uint64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if seq, err := strconv.ParseUint(v, 10, 64); err == nil {
			return seq
		}
	}
	if v := r.URL.Query().Get("lastEventId"); v != "" {
		if seq, err := strconv.ParseUint(v, 10, 64); err == nil {
			return seq
		}
	}
	return 0
}

// replayLimit parses ?replay=N, the cap on how many historical events are
// replayed before live tail begins.
func replayLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("replay")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
