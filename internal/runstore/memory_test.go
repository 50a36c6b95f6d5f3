package runstore

import (
	"context"
	"testing"

	"github.com/mentatlab/orchestrator/pkg/types"
)

func newTestRun(id string) *types.Run {
	return &types.Run{
		ID:     id,
		Mode:   types.ModeMemory,
		Status: types.RunStatusQueued,
		Plan: &types.Plan{
			Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}},
			Edges: []types.EdgeSpec{{From: "a", To: "b"}},
		},
	}
}

func TestMemoryStore_Create(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	ctx := context.Background()

	t.Run("creates new run", func(t *testing.T) {
		if err := s.Create(ctx, newTestRun("run-1")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		got, err := s.Get(ctx, "run-1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != types.RunStatusQueued {
			t.Errorf("expected queued, got %s", got.Status)
		}
	})

	t.Run("returns conflict for duplicate id", func(t *testing.T) {
		s.Create(ctx, newTestRun("run-dup"))
		err := s.Create(ctx, newTestRun("run-dup"))
		if err != ErrConflict {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("seeds node states from plan", func(t *testing.T) {
		s.Create(ctx, newTestRun("run-nodes"))
		states, err := s.ListNodeStates(ctx, "run-nodes")
		if err != nil {
			t.Fatalf("ListNodeStates failed: %v", err)
		}
		if len(states) != 2 {
			t.Fatalf("expected 2 node states, got %d", len(states))
		}
		if states["a"].State != types.NodeStatusPending {
			t.Errorf("expected pending, got %s", states["a"].State)
		}
	})
}

func TestMemoryStore_Get(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	ctx := context.Background()

	t.Run("returns not-found for missing run", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMemoryStore_UpdateStatus(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	ctx := context.Background()
	s.Create(ctx, newTestRun("run-cas"))

	t.Run("applies matching CAS transition", func(t *testing.T) {
		run, err := s.UpdateStatus(ctx, "run-cas", types.RunStatusQueued, types.RunStatusRunning)
		if err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		if run.Status != types.RunStatusRunning {
			t.Errorf("expected running, got %s", run.Status)
		}
		if run.StartedAt == nil {
			t.Error("expected StartedAt to be set on entering running")
		}
	})

	t.Run("rejects mismatched expected_prev", func(t *testing.T) {
		_, err := s.UpdateStatus(ctx, "run-cas", types.RunStatusQueued, types.RunStatusFailed)
		if err != ErrConflict {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("sets FinishedAt on terminal transition", func(t *testing.T) {
		run, err := s.UpdateStatus(ctx, "run-cas", types.RunStatusRunning, types.RunStatusSucceeded)
		if err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		if run.FinishedAt == nil {
			t.Error("expected FinishedAt to be set on terminal transition")
		}
	})

	t.Run("terminal states are absorbing", func(t *testing.T) {
		// Even naming the terminal status correctly as expected_prev must not
		// move the run out of it.
		_, err := s.UpdateStatus(ctx, "run-cas", types.RunStatusSucceeded, types.RunStatusRunning)
		if err != ErrConflict {
			t.Errorf("expected ErrConflict leaving a terminal state, got %v", err)
		}
		got, err := s.Get(ctx, "run-cas")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != types.RunStatusSucceeded {
			t.Errorf("expected run to stay succeeded, got %s", got.Status)
		}
	})
}

func TestMemoryStore_NodeState(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	ctx := context.Background()
	s.Create(ctx, newTestRun("run-node"))

	t.Run("put then get round-trips", func(t *testing.T) {
		err := s.PutNodeState(ctx, "run-node", &types.NodeState{
			RunID:   "run-node",
			NodeID:  "a",
			State:   types.NodeStatusRunning,
			Attempt: 1,
		})
		if err != nil {
			t.Fatalf("PutNodeState failed: %v", err)
		}
		state, err := s.GetNodeState(ctx, "run-node", "a")
		if err != nil {
			t.Fatalf("GetNodeState failed: %v", err)
		}
		if state.State != types.NodeStatusRunning {
			t.Errorf("expected running, got %s", state.State)
		}
	})
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()
	ctx := context.Background()
	s.Create(ctx, newTestRun("run-del"))

	t.Run("deletes existing run", func(t *testing.T) {
		if err := s.Delete(ctx, "run-del"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		_, err := s.Get(ctx, "run-del")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("returns not-found for missing run", func(t *testing.T) {
		if err := s.Delete(ctx, "missing"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
