// Package scheduler drives a single run from queued to a terminal state,
// dispatching ready nodes onto a Driver with bounded per-run concurrency,
// retry/backoff for transient failures, and a cancellation cascade.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mentatlab/orchestrator/internal/driver"
	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/internal/metrics"
	"github.com/mentatlab/orchestrator/internal/runstore"
	"github.com/mentatlab/orchestrator/pkg/types"
)

// Config tunes scheduling behavior. Zero values fall back to DefaultConfig.
type Config struct {
	MaxConcurrentNodesPerRun int
	DefaultMaxRetries        int
	BackoffBase              time.Duration
	BackoffCap               time.Duration
	CancelGrace              time.Duration
	DefaultNodeTimeout       time.Duration
}

// DefaultConfig returns the standard scheduling limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentNodesPerRun: 4,
		DefaultMaxRetries:        3,
		BackoffBase:              time.Second,
		BackoffCap:               30 * time.Second,
		CancelGrace:              30 * time.Second,
		DefaultNodeTimeout:       10 * time.Minute,
	}
}

// DriverResolver selects a Driver implementation for a node, keyed on the
// run's mode and the node's agent_ref; the scheduler never constructs
// drivers itself.
type DriverResolver func(run *types.Run, node *types.NodeSpec) driver.Driver

// Scheduler owns the execution of active runs.
type Scheduler struct {
	store    runstore.RunStore
	eventlog eventlog.EventLog
	resolve  DriverResolver
	cfg      Config
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*runContext
}

// New builds a Scheduler.
func New(store runstore.RunStore, log eventlog.EventLog, resolve DriverResolver, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrentNodesPerRun <= 0 {
		cfg.MaxConcurrentNodesPerRun = def.MaxConcurrentNodesPerRun
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = def.CancelGrace
	}
	if cfg.DefaultNodeTimeout <= 0 {
		cfg.DefaultNodeTimeout = def.DefaultNodeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		eventlog: log,
		resolve:  resolve,
		cfg:      cfg,
		logger:   logger,
		runs:     make(map[string]*runContext),
	}
}

// runContext tracks the live state of one actively scheduled run.
type runContext struct {
	runID  string
	run    *types.Run
	sem    *semaphore.Weighted
	cancel context.CancelFunc

	mu        sync.Mutex
	nodes     map[string]*nodeAttemptState
	cancelReq bool
	done      chan struct{}
}

// nodeAttemptState is the scheduler's in-memory view of a node, mirroring
// (and continuously written back to) RunStore.NodeState.
type nodeAttemptState struct {
	status  types.NodeStatus
	attempt int
	outputs map[string]json.RawMessage
}

// Start moves the run from queued to running in the RunStore and launches
// the run-owning goroutine. It returns once that transition is stored; the
// run then progresses asynchronously until it reaches a terminal status.
func (s *Scheduler) Start(ctx context.Context, run *types.Run) error {
	s.mu.Lock()
	if _, exists := s.runs[run.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: run %s already active", run.ID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	rc := &runContext{
		runID:  run.ID,
		run:    run,
		sem:    semaphore.NewWeighted(int64(s.cfg.MaxConcurrentNodesPerRun)),
		cancel: cancel,
		nodes:  make(map[string]*nodeAttemptState),
		done:   make(chan struct{}),
	}
	for _, n := range run.Plan.Nodes {
		rc.nodes[n.ID] = &nodeAttemptState{status: types.NodeStatusPending}
	}
	s.runs[run.ID] = rc
	s.mu.Unlock()

	if err := s.transitionRun(ctx, rc, types.RunStatusQueued, types.RunStatusRunning); err != nil {
		s.mu.Lock()
		delete(s.runs, run.ID)
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("scheduler: start run %s: %w", run.ID, err)
	}

	metrics.RunsActive.Inc()
	go s.runLoop(runCtx, rc)
	return nil
}

// Cancel requests cancellation of an active run. Safe to call more than
// once; a run with no active scheduler entry (already terminal, or never
// started) is a no-op.
func (s *Scheduler) Cancel(runID string) {
	s.mu.Lock()
	rc, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return
	}
	rc.mu.Lock()
	alreadyRequested := rc.cancelReq
	rc.cancelReq = true
	rc.mu.Unlock()
	if !alreadyRequested {
		rc.cancel()
	}
}

// Wait blocks until the run has reached a terminal status, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, runID string) {
	s.mu.Lock()
	rc, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-rc.done:
	case <-ctx.Done():
	}
}

func (s *Scheduler) forget(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	metrics.RunsActive.Dec()
}

// runLoop is the per-run goroutine: a poll-and-dispatch cycle driven by a
// ticker plus ctx.Done().
func (s *Scheduler) runLoop(ctx context.Context, rc *runContext) {
	defer close(rc.done)
	defer s.forget(rc.runID)

	s.appendStatus(ctx, rc.runID, types.RunStatusRunning, "")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			s.cancelRun(rc, &wg)
			wg.Wait()
			s.finishRun(context.Background(), rc, types.RunStatusCanceled, "")
			return
		case <-ticker.C:
		}

		if s.allTerminal(rc) {
			wg.Wait()
			switch {
			case s.anyInStatus(rc, types.NodeStatusFailed):
				s.finishRun(ctx, rc, types.RunStatusFailed, "one or more nodes failed")
			case s.anyInStatus(rc, types.NodeStatusCanceled):
				// A run only succeeds when every node succeeded.
				s.finishRun(ctx, rc, types.RunStatusCanceled, "")
			default:
				s.finishRun(ctx, rc, types.RunStatusSucceeded, "")
			}
			return
		}

		for _, nodeID := range s.readySet(ctx, rc) {
			if !rc.sem.TryAcquire(1) {
				// Still pending; the next poll re-selects it once a slot frees.
				break
			}
			rc.mu.Lock()
			rc.nodes[nodeID].status = types.NodeStatusReady
			rc.mu.Unlock()
			nodeID := nodeID
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer rc.sem.Release(1)
				s.runNode(ctx, rc, nodeID)
			}()
		}
	}
}

// readySet returns pending nodes whose every incoming edge is satisfied
// (source node succeeded, and if the edge names a source pin, that pin
// produced a value), in stable plan declaration order. Nodes stay pending
// here; the dispatch loop flips each to ready only once it actually holds a
// concurrency slot, so a full semaphore never strands a node.
func (s *Scheduler) readySet(ctx context.Context, rc *runContext) []string {
	rc.mu.Lock()

	incoming := make(map[string][]types.EdgeSpec, len(rc.run.Plan.Nodes))
	for _, e := range rc.run.Plan.Edges {
		incoming[e.DestNode()] = append(incoming[e.DestNode()], e)
	}

	var ready, dead []string
	for _, n := range rc.run.Plan.Nodes {
		st := rc.nodes[n.ID]
		if st.status != types.NodeStatusPending {
			continue
		}
		satisfied := true
		for _, e := range incoming[n.ID] {
			src := rc.nodes[e.SourceNode()]
			if src.status != types.NodeStatusSucceeded {
				satisfied = false
				break
			}
			if pin := e.SourcePin(); pin != "" {
				if _, ok := src.outputs[pin]; !ok {
					// The source is already terminal, so the named pin can
					// never appear: this node is unsatisfiable, not waiting.
					satisfied = false
					st.status = types.NodeStatusCanceled
					dead = append(dead, n.ID)
					break
				}
			}
		}
		if satisfied {
			ready = append(ready, n.ID)
		}
	}
	rc.mu.Unlock()

	for _, id := range dead {
		s.putNodeState(ctx, rc.runID, id, types.NodeStatusCanceled, 0, "upstream pin produced no value")
		s.appendNodeStatus(ctx, rc.runID, id, types.NodeStatusCanceled, 0, "upstream pin produced no value")
		metrics.NodesTotal.WithLabelValues("canceled").Inc()
		s.skipDownstream(ctx, rc, id)
	}
	return ready
}

func (s *Scheduler) allTerminal(rc *runContext) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, st := range rc.nodes {
		if !st.status.Terminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) anyInStatus(rc *runContext, status types.NodeStatus) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, st := range rc.nodes {
		if st.status == status {
			return true
		}
	}
	return false
}

// runNode dispatches one attempt of a node, handling retry/backoff for
// transient failures and propagating permanent failures/cancellation to
// downstream nodes via the skip policy.
func (s *Scheduler) runNode(ctx context.Context, rc *runContext, nodeID string) {
	node := s.nodeSpec(rc, nodeID)
	if node == nil {
		return
	}

	for {
		rc.mu.Lock()
		st := rc.nodes[nodeID]
		st.status = types.NodeStatusRunning
		attempt := st.attempt + 1
		st.attempt = attempt
		rc.mu.Unlock()

		timeout := node.Timeout
		if timeout <= 0 {
			timeout = s.cfg.DefaultNodeTimeout
		}
		nodeCtx, cancel := context.WithTimeout(ctx, timeout)

		startedAt := time.Now()
		s.putNodeState(ctx, rc.runID, nodeID, types.NodeStatusRunning, attempt, "")

		d := s.resolve(rc.run, node)
		result := d.Execute(nodeCtx, rc.runID, nodeID, node.AgentRef, node.Params, node.Cmd, node.Env, timeout.Seconds(), attempt)
		cancel()

		metrics.NodeDuration.WithLabelValues(classify(result)).Observe(time.Since(startedAt).Seconds())

		switch {
		case result.Succeeded:
			rc.mu.Lock()
			st.status = types.NodeStatusSucceeded
			st.outputs = result.Outputs
			finalAttempt := st.attempt
			rc.mu.Unlock()
			s.putNodeStateFull(ctx, rc.runID, nodeID, types.NodeStatusSucceeded, finalAttempt, "", result.Outputs)
			metrics.NodesTotal.WithLabelValues("succeeded").Inc()
			return

		case result.Canceled:
			s.setNodeTerminal(ctx, rc, nodeID, types.NodeStatusCanceled, "")
			metrics.NodesTotal.WithLabelValues("canceled").Inc()
			s.skipDownstream(ctx, rc, nodeID)
			return

		case result.Kind == driver.FailureTransient && attempt <= s.maxRetries(node):
			metrics.NodeRetries.WithLabelValues("retrying").Observe(float64(attempt))
			backoff := s.backoffFor(attempt)
			rc.mu.Lock()
			rc.nodes[nodeID].status = types.NodeStatusPending
			rc.mu.Unlock()
			s.putNodeState(ctx, rc.runID, nodeID, types.NodeStatusPending, attempt, result.Message)
			s.appendNodeStatus(ctx, rc.runID, nodeID, types.NodeStatusPending, attempt, result.Message)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				s.setNodeTerminal(ctx, rc, nodeID, types.NodeStatusCanceled, "")
				return
			}

		default:
			s.setNodeTerminal(ctx, rc, nodeID, types.NodeStatusFailed, result.Message)
			metrics.NodesTotal.WithLabelValues("failed").Inc()
			metrics.NodeRetries.WithLabelValues("failed").Observe(float64(attempt))
			s.skipDownstream(ctx, rc, nodeID)
			return
		}
	}
}

func classify(r driver.Result) string {
	switch {
	case r.Succeeded:
		return "succeeded"
	case r.Canceled:
		return "canceled"
	default:
		return "failed"
	}
}

func (s *Scheduler) nodeSpec(rc *runContext, nodeID string) *types.NodeSpec {
	for i := range rc.run.Plan.Nodes {
		if rc.run.Plan.Nodes[i].ID == nodeID {
			return &rc.run.Plan.Nodes[i]
		}
	}
	return nil
}

func (s *Scheduler) maxRetries(node *types.NodeSpec) int {
	if node.Retries != nil {
		return *node.Retries
	}
	return s.cfg.DefaultMaxRetries
}

// backoffFor computes base*factor^(attempt-1) capped at BackoffCap, factor 2.
func (s *Scheduler) backoffFor(attempt int) time.Duration {
	d := time.Duration(float64(s.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > s.cfg.BackoffCap {
		d = s.cfg.BackoffCap
	}
	return d
}

// skipDownstream marks every node reachable through a node that ended
// without succeeding (failed, canceled, or unsatisfiable) as canceled: such a node's dependencies can never all succeed, so it is
// marked canceled rather than left pending forever.
func (s *Scheduler) skipDownstream(ctx context.Context, rc *runContext, from string) {
	adj := make(map[string][]string)
	for _, e := range rc.run.Plan.Edges {
		adj[e.SourceNode()] = append(adj[e.SourceNode()], e.DestNode())
	}

	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, next := range adj[n] {
			if seen[next] {
				continue
			}
			seen[next] = true

			rc.mu.Lock()
			st := rc.nodes[next]
			alreadyTerminal := st.status.Terminal()
			if !alreadyTerminal {
				st.status = types.NodeStatusCanceled
			}
			rc.mu.Unlock()

			if !alreadyTerminal {
				s.putNodeState(ctx, rc.runID, next, types.NodeStatusCanceled, 0, "upstream node failed")
				s.appendNodeStatus(ctx, rc.runID, next, types.NodeStatusCanceled, 0, "upstream node failed")
				metrics.NodesTotal.WithLabelValues("canceled").Inc()
			}
			walk(next)
		}
	}
	walk(from)
}

func (s *Scheduler) setNodeTerminal(ctx context.Context, rc *runContext, nodeID string, status types.NodeStatus, errMsg string) {
	rc.mu.Lock()
	st := rc.nodes[nodeID]
	st.status = status
	attempt := st.attempt
	rc.mu.Unlock()
	s.putNodeState(ctx, rc.runID, nodeID, status, attempt, errMsg)
}

// putNodeState always updates RunStore regardless of whether an event was
// emitted for this transition.
func (s *Scheduler) putNodeState(ctx context.Context, runID, nodeID string, status types.NodeStatus, attempt int, errMsg string) {
	s.putNodeStateFull(ctx, runID, nodeID, status, attempt, errMsg, nil)
}

func (s *Scheduler) putNodeStateFull(ctx context.Context, runID, nodeID string, status types.NodeStatus, attempt int, errMsg string, outputs map[string]json.RawMessage) {
	now := time.Now().UTC()
	state := &types.NodeState{
		RunID:   runID,
		NodeID:  nodeID,
		State:   status,
		Attempt: attempt,
		Error:   errMsg,
		Output:  outputs,
	}
	if status == types.NodeStatusRunning {
		state.StartedAt = &now
	}
	if status.Terminal() {
		state.FinishedAt = &now
	}
	if err := s.store.PutNodeState(ctx, runID, state); err != nil {
		s.logger.Error("put node state failed", "run_id", runID, "node_id", nodeID, "error", err)
	}
}

// appendNodeStatus emits node_status only for transitions a driver cannot
// self-report: pending (retry re-entry) and canceled-by-skip-policy for
// nodes that never started. Drivers already self-emit
// running/succeeded/failed/canceled for the attempts they actually execute.
func (s *Scheduler) appendNodeStatus(ctx context.Context, runID, nodeID string, status types.NodeStatus, attempt int, errMsg string) {
	if s.eventlog == nil {
		return
	}
	_, err := s.eventlog.Append(ctx, runID, types.EventKindNodeStatus, nodeID, types.NodeStatusPayload{
		NodeID: nodeID, Status: status, Attempt: attempt, Error: errMsg,
	})
	if err != nil {
		s.logger.Error("append node_status failed", "run_id", runID, "node_id", nodeID, "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(types.EventKindNodeStatus)).Inc()
}

func (s *Scheduler) appendStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) {
	if s.eventlog == nil {
		return
	}
	_, err := s.eventlog.Append(ctx, runID, types.EventKindStatus, "", types.StatusPayload{Status: status, Error: errMsg})
	if err != nil {
		s.logger.Error("append status failed", "run_id", runID, "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(types.EventKindStatus)).Inc()
}

func (s *Scheduler) transitionRun(ctx context.Context, rc *runContext, from, to types.RunStatus) error {
	run, err := s.store.UpdateStatus(ctx, rc.runID, from, to)
	if err != nil {
		return err
	}
	rc.mu.Lock()
	rc.run.Status = run.Status
	rc.run.StartedAt = run.StartedAt
	rc.run.FinishedAt = run.FinishedAt
	rc.mu.Unlock()
	return nil
}

// cancelRun implements the cancellation cascade: abort every running node,
// mark not-yet-started nodes canceled, and wait up to CancelGrace for the
// in-flight node goroutines to observe ctx.Done() and return.
func (s *Scheduler) cancelRun(rc *runContext, wg *sync.WaitGroup) {
	rc.mu.Lock()
	var running, flipped []string
	for id, st := range rc.nodes {
		switch st.status {
		case types.NodeStatusRunning, types.NodeStatusReady:
			running = append(running, id)
		case types.NodeStatusPending:
			st.status = types.NodeStatusCanceled
			flipped = append(flipped, id)
		}
	}
	rc.mu.Unlock()

	for _, id := range running {
		go func(nodeID string) {
			node := s.nodeSpec(rc, nodeID)
			if node == nil {
				return
			}
			d := s.resolve(rc.run, node)
			_ = d.Abort(context.Background(), rc.runID, nodeID)
		}(id)
	}

	// Only the nodes flipped here get a canceled record: skip-policy-canceled
	// nodes already reported theirs, and in-flight nodes report their own
	// outcome when their driver returns.
	for _, id := range flipped {
		s.putNodeState(context.Background(), rc.runID, id, types.NodeStatusCanceled, 0, "run canceled")
		s.appendNodeStatus(context.Background(), rc.runID, id, types.NodeStatusCanceled, 0, "run canceled")
	}

	grace := time.NewTimer(s.cfg.CancelGrace)
	defer grace.Stop()
	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-grace.C:
		s.logger.Warn("cancel grace period elapsed, forcing terminal", "run_id", rc.runID)
	}
}

// finishRun applies the run's terminal CAS transition and appends the final
// status event. It is only called once all of the run's node goroutines
// have returned, so the terminal status event is always the last event on
// the run's stream.
func (s *Scheduler) finishRun(ctx context.Context, rc *runContext, status types.RunStatus, errMsg string) {
	run, err := s.store.UpdateStatus(ctx, rc.runID, types.RunStatusRunning, status)
	if err != nil {
		s.logger.Error("terminal CAS failed", "run_id", rc.runID, "status", status, "error", err)
	} else {
		rc.mu.Lock()
		rc.run.Status = run.Status
		rc.run.FinishedAt = run.FinishedAt
		rc.mu.Unlock()
	}
	s.appendStatus(ctx, rc.runID, status, errMsg)
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if rc.run.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(*rc.run.StartedAt).Seconds())
	}
	if s.eventlog != nil {
		s.eventlog.CloseRun(rc.runID)
	}
}
