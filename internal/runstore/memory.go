package runstore

import (
	"context"
	"sync"
	"time"

	"github.com/mentatlab/orchestrator/pkg/types"
)

// memoryRun holds all persisted state for a single run in memory.
type memoryRun struct {
	mu    sync.RWMutex
	run   types.Run
	nodes map[string]*types.NodeState
}

// MemoryStore is a process-local RunStore. Data is lost on restart;
// intended for dev and unit tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*memoryRun
	cfg  *Config
}

var _ RunStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{runs: make(map[string]*memoryRun), cfg: cfg}
}

func (s *MemoryStore) Create(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return ErrConflict
	}

	nodes := make(map[string]*types.NodeState)
	if run.Plan != nil {
		for _, n := range run.Plan.Nodes {
			nodes[n.ID] = &types.NodeState{
				RunID:   run.ID,
				NodeID:  n.ID,
				State:   types.NodeStatusPending,
				Attempt: 1,
			}
		}
	}

	s.runs[run.ID] = &memoryRun{run: *run, nodes: nodes}
	return nil
}

func (s *MemoryStore) getLocked(id string) (*memoryRun, error) {
	s.mu.RLock()
	r, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Run, error) {
	r, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.run
	return &out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Run, 0, len(s.runs))
	for _, r := range s.runs {
		r.mu.RLock()
		run := r.run
		r.mu.RUnlock()
		out = append(out, &run)
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, expectedPrev, newStatus types.RunStatus) (*types.Run, error) {
	r, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run.Status != expectedPrev {
		return nil, ErrConflict
	}
	// Terminal states are absorbing: no transition leaves them, even when a
	// caller correctly names the terminal status as expectedPrev.
	if expectedPrev.Terminal() {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	r.run.Status = newStatus
	r.run.UpdatedAt = now
	if newStatus == types.RunStatusRunning && r.run.StartedAt == nil {
		r.run.StartedAt = &now
	}
	if newStatus.Terminal() && r.run.FinishedAt == nil {
		r.run.FinishedAt = &now
	}

	out := r.run
	return &out, nil
}

func (s *MemoryStore) PutNodeState(ctx context.Context, runID string, state *types.NodeState) error {
	r, err := s.getLocked(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *state
	r.nodes[state.NodeID] = &cp
	r.run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetNodeState(ctx context.Context, runID, nodeID string) (*types.NodeState, error) {
	r, err := s.getLocked(runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *state
	return &out, nil
}

func (s *MemoryStore) ListNodeStates(ctx context.Context, runID string) (map[string]*types.NodeState, error) {
	r, err := s.getLocked(runID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*types.NodeState, len(r.nodes))
	for k, v := range r.nodes {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"adapter":   "memory",
		"run_count": len(s.runs),
	}, nil
}

func (s *MemoryStore) Close() error { return nil }
