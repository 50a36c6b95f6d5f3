// Package api is the control-plane facade: HTTP/JSON routes over
// RunManager, the fanout SSE handler and the WebSocket hub.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/internal/fanout"
	"github.com/mentatlab/orchestrator/internal/runmanager"
	"github.com/mentatlab/orchestrator/internal/runstore"
	"github.com/mentatlab/orchestrator/pkg/types"
)

// HandlersConfig carries the ambient per-request concerns (CORS, rate
// limiting) that the handlers and middleware both need.
type HandlersConfig struct {
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Handlers implements the control-plane facade's HTTP routes.
type Handlers struct {
	rm     *runmanager.RunManager
	sse    *fanout.SSEHandler
	hub    *fanout.Hub
	store  runstore.RunStore
	config *HandlersConfig
	logger *slog.Logger
}

// NewHandlers builds a Handlers.
func NewHandlers(rm *runmanager.RunManager, sse *fanout.SSEHandler, hub *fanout.Hub, store runstore.RunStore, cfg *HandlersConfig, logger *slog.Logger) *Handlers {
	if cfg == nil {
		cfg = &HandlersConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{rm: rm, sse: sse, hub: hub, store: store, config: cfg, logger: logger}
}

type createRunRequest struct {
	Plan     *types.Plan       `json:"plan"`
	Mode     types.RunMode     `json:"mode,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreateRun handles POST /api/v1/runs.
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "malformed request body", nil)
		return
	}
	if req.Plan == nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "plan is required", nil)
		return
	}

	run, err := h.rm.Create(r.Context(), req.Plan, req.Mode, req.Metadata)
	if err != nil {
		var verr *runmanager.ErrValidation
		switch {
		case errors.As(err, &verr):
			writeErrorResponseDetail(w, r, http.StatusBadRequest, ErrCodeValidation, verr.Error(), verr.Result.Detail(), nil)
		case errors.Is(err, runstore.ErrConflict):
			writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, "run id already exists", nil)
		default:
			h.logger.Error("create run failed", "error", err)
			writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to create run", nil)
		}
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.rm.Get(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/v1/runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.rm.List(r.Context())
	if err != nil {
		if errors.Is(err, runstore.ErrNotImplemented) {
			writeErrorResponse(w, r, http.StatusNotImplemented, ErrCodeInternalError, "listing is not supported by this backend", nil)
			return
		}
		h.logger.Error("list runs failed", "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to list runs", nil)
		return
	}
	metas := make([]types.RunMeta, 0, len(runs))
	for _, run := range runs {
		metas = append(metas, run.Meta())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": metas})
}

// StartRun handles POST /api/v1/runs/{id}/start.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.rm.Get(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	if run.Status != types.RunStatusQueued {
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, "run is not queued", nil)
		return
	}

	if _, err := h.rm.Start(r.Context(), id); err != nil {
		h.logger.Error("start run failed", "run_id", id, "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to start run", nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.rm.Get(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	if run.Status.Terminal() {
		// Cancel is idempotent: a terminal run still acknowledges with 202,
		// it just has nothing left to cancel.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.rm.Cancel(r.Context(), id); err != nil {
		h.logger.Error("cancel run failed", "run_id", id, "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to cancel run", nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// DeleteRun handles DELETE /api/v1/runs/{id}.
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.rm.Delete(r.Context(), id); err != nil {
		h.writeRunError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunEvents handles GET /api/v1/runs/{id}/events, delegating to the fanout
// SSE handler.
func (h *Handlers) RunEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.sse.Serve(w, r, id)
}

type checkpointRequest struct {
	Label string          `json:"label"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CreateCheckpoint handles POST /api/v1/runs/{id}/checkpoints.
func (h *Handlers) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req checkpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "malformed request body", nil)
		return
	}

	seq, err := h.rm.Checkpoint(r.Context(), id, req.Label, req.Data)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"seq": seq})
}

// ServeWS handles GET /ws, delegating to the WebSocket hub.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

// RunStoreDiagnostics handles GET /api/v1/runstore/diagnostics, surfacing
// the backend's self-reported health (ping latency, pool stats) rather
// than any individual run's state. Unauthenticated by design: it documents
// operational health, not run data.
func (h *Handlers) RunStoreDiagnostics(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.AdapterInfo(r.Context())
	if err != nil {
		h.logger.Error("runstore diagnostics failed", "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to read runstore diagnostics", nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Health handles GET /health and /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /ready.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, runstore.ErrNotFound), errors.Is(err, eventlog.ErrUnknownRun):
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", nil)
	case errors.Is(err, eventlog.ErrRunClosed):
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, "run has reached a terminal state", nil)
	default:
		h.logger.Error("run operation failed", "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
