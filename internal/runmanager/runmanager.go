// Package runmanager is the process-wide run registry: it validates and
// persists new runs, admits them into the Scheduler under a bounded global
// concurrency budget, and exposes cancel/get/list/delete.
package runmanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/internal/runstore"
	"github.com/mentatlab/orchestrator/internal/scheduler"
	"github.com/mentatlab/orchestrator/internal/validator"
	"github.com/mentatlab/orchestrator/pkg/types"
)

// Config tunes the run manager.
type Config struct {
	// MaxConcurrentRuns bounds how many runs may be actively scheduled at
	// once; Create always succeeds (the run is persisted queued), but Start
	// blocks for a free slot.
	MaxConcurrentRuns int
}

// DefaultConfig returns the default admission limits.
func DefaultConfig() Config {
	return Config{MaxConcurrentRuns: 64}
}

// RunManager is the single process-wide entry point for run lifecycle
// operations, wired to a Scheduler that owns execution of admitted runs.
type RunManager struct {
	store     runstore.RunStore
	eventlog  eventlog.EventLog
	scheduler *scheduler.Scheduler
	validator *validator.Validator
	logger    *slog.Logger

	capacity chan struct{}
}

// New builds a RunManager. validator may be nil, in which case only the
// RunStore-level constraints (duplicate id) are enforced at Create time.
func New(store runstore.RunStore, log eventlog.EventLog, sched *scheduler.Scheduler, v *validator.Validator, cfg Config, logger *slog.Logger) *RunManager {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = DefaultConfig().MaxConcurrentRuns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunManager{
		store:     store,
		eventlog:  log,
		scheduler: sched,
		validator: v,
		logger:    logger,
		capacity:  make(chan struct{}, cfg.MaxConcurrentRuns),
	}
}

// ErrValidation wraps a plan-validation failure with its detail message.
type ErrValidation struct {
	Result *validator.ValidationResult
}

func (e *ErrValidation) Error() string { return "invalid plan: " + e.Result.Detail() }

// Create validates the plan and mode, persists a new queued Run, and
// registers its EventLog. It never blocks on scheduling capacity.
func (m *RunManager) Create(ctx context.Context, p *types.Plan, mode types.RunMode, metadata map[string]string) (*types.Run, error) {
	if m.validator != nil {
		if result := m.validator.ValidatePlan(p); !result.Valid {
			return nil, &ErrValidation{Result: result}
		}
	}
	switch mode {
	case "":
		mode = types.ModeMemory
	case types.ModeMemory, types.ModeRedis, types.ModeK8s:
	default:
		return nil, &ErrValidation{Result: &validator.ValidationResult{
			Valid: false,
			Errors: []validator.ValidationError{
				{Path: "$.mode", Message: fmt.Sprintf("unknown mode %q", mode)},
			},
		}}
	}

	now := time.Now().UTC()
	run := &types.Run{
		ID:        uuid.New().String(),
		Plan:      p,
		Mode:      mode,
		Status:    types.RunStatusQueued,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Create(ctx, run); err != nil {
		return nil, err
	}
	if m.eventlog != nil {
		if err := m.eventlog.NewRun(ctx, run.ID); err != nil {
			m.logger.Error("eventlog.NewRun failed", "run_id", run.ID, "error", err)
		}
	}
	return run, nil
}

// Start admits a queued run into the Scheduler, blocking for a free
// concurrency slot if the process is already at MaxConcurrentRuns. Starting
// a run that is not queued is idempotent: it returns the run's current
// state without effect.
func (m *RunManager) Start(ctx context.Context, runID string) (*types.Run, error) {
	run, err := m.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != types.RunStatusQueued {
		return run, nil
	}

	select {
	case m.capacity <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := m.scheduler.Start(ctx, run); err != nil {
		<-m.capacity
		return nil, fmt.Errorf("admit run: %w", err)
	}

	go func() {
		m.scheduler.Wait(context.Background(), runID)
		<-m.capacity
	}()

	return run, nil
}

// Cancel requests cancellation of a run. A queued run that was never
// admitted to the Scheduler is canceled immediately via a direct CAS; a
// running run's cancellation is delegated to the Scheduler's cascade.
// Canceling an already-terminal or already-canceling run is a no-op,
// so repeated cancels are safe.
func (m *RunManager) Cancel(ctx context.Context, runID string) error {
	run, err := m.store.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Status == types.RunStatusQueued {
		_, err := m.store.UpdateStatus(ctx, runID, types.RunStatusQueued, types.RunStatusCanceled)
		if err != nil && err != runstore.ErrConflict {
			return err
		}
		if m.eventlog != nil {
			_, _ = m.eventlog.Append(ctx, runID, types.EventKindStatus, "", types.StatusPayload{Status: types.RunStatusCanceled})
			m.eventlog.CloseRun(runID)
		}
		return nil
	}
	m.scheduler.Cancel(runID)
	return nil
}

// Get returns a single run.
func (m *RunManager) Get(ctx context.Context, runID string) (*types.Run, error) {
	return m.store.Get(ctx, runID)
}

// List returns all known runs.
func (m *RunManager) List(ctx context.Context) ([]*types.Run, error) {
	return m.store.List(ctx)
}

// Delete removes a run's persisted state.
func (m *RunManager) Delete(ctx context.Context, runID string) error {
	return m.store.Delete(ctx, runID)
}

// Checkpoint appends a checkpoint event to a run's EventLog and returns its
// assigned sequence number.
func (m *RunManager) Checkpoint(ctx context.Context, runID, label string, data []byte) (uint64, error) {
	if _, err := m.store.Get(ctx, runID); err != nil {
		return 0, err
	}
	return m.eventlog.Append(ctx, runID, types.EventKindCheckpoint, "", types.CheckpointPayload{Label: label, Data: data})
}
