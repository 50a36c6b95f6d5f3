// Package runstore persists Run and NodeState records across three
// backends (Memory, Redis, Kubernetes-reflected) behind a single interface
// with compare-and-set semantics on status transitions.
package runstore

import (
	"context"
	"errors"

	"github.com/mentatlab/orchestrator/pkg/types"
)

// Sentinel errors returned by RunStore implementations; compare with
// errors.Is.
var (
	ErrNotFound       = errors.New("runstore: not found")
	ErrConflict       = errors.New("runstore: conflict")
	ErrNotImplemented = errors.New("runstore: not implemented")
)

// RunStore defines the interface for run and node-state persistence.
// Implementations must be safe for concurrent use. Reads are lock-free
// snapshot semantics; writes are serialized per run.
type RunStore interface {
	// Create persists a new run. Fails with ErrConflict if the id exists.
	Create(ctx context.Context, run *types.Run) error

	// Get returns a run by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Run, error)

	// List returns all known runs, or ErrNotImplemented (mapped to HTTP 501
	// by the control-plane facade).
	List(ctx context.Context) ([]*types.Run, error)

	// UpdateStatus performs a compare-and-set status transition: it only
	// applies if the run's current status equals expectedPrev, returning
	// ErrConflict otherwise.
	UpdateStatus(ctx context.Context, id string, expectedPrev, newStatus types.RunStatus) (*types.Run, error)

	// PutNodeState stores a node's state; last-write-wins within the
	// scheduler's owned run.
	PutNodeState(ctx context.Context, runID string, state *types.NodeState) error

	// GetNodeState returns a single node's state.
	GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error)

	// ListNodeStates returns all node states for a run.
	ListNodeStates(ctx context.Context, runID string) (map[string]*types.NodeState, error)

	// Delete removes a run. The Memory, Redis and K8s backends delete it
	// immediately; none keeps a soft-deleted copy.
	Delete(ctx context.Context, id string) error

	// AdapterInfo reports backend health/diagnostics.
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Close releases backend resources.
	Close() error
}

// Config holds shared RunStore tuning knobs.
type Config struct {
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		TTLSeconds: 7 * 24 * 60 * 60, // 7 days
	}
}
