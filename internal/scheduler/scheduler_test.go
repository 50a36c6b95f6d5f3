package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mentatlab/orchestrator/internal/driver"
	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/internal/runstore"
	"github.com/mentatlab/orchestrator/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestEnv(t *testing.T, resolve DriverResolver, cfg Config) (*Scheduler, runstore.RunStore, eventlog.EventLog) {
	t.Helper()
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	sched := New(store, log, resolve, cfg, testLogger())
	return sched, store, log
}

func waitForTerminal(t *testing.T, store runstore.RunStore, runID string, timeout time.Duration) *types.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := store.Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach terminal status within %s", runID, timeout)
	return nil
}

func simResolver(cfg driver.SimulatedConfig) DriverResolver {
	d := driver.NewSimulatedDriver(nil, cfg)
	return func(run *types.Run, node *types.NodeSpec) driver.Driver { return d }
}

func plan(nodes []string, edges [][2]string) *types.Plan {
	p := &types.Plan{}
	for _, n := range nodes {
		p.Nodes = append(p.Nodes, types.NodeSpec{ID: n})
	}
	for _, e := range edges {
		p.Edges = append(p.Edges, types.EdgeSpec{From: e[0], To: e[1]})
	}
	return p
}

func newQueuedRun(id string, p *types.Plan) *types.Run {
	return &types.Run{ID: id, Plan: p, Mode: types.ModeMemory, Status: types.RunStatusQueued}
}

func TestScheduler_LinearChain(t *testing.T) {
	resolve := simResolver(driver.SimulatedConfig{MinLatency: time.Millisecond, MaxLatency: 2 * time.Millisecond})
	sched, store, _ := newTestEnv(t, resolve, Config{MaxConcurrentNodesPerRun: 4})

	run := newQueuedRun("run-linear", plan([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}}))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sched.Start(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForTerminal(t, store, "run-linear", 2*time.Second)
	if final.Status != types.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Status)
	}

	states, err := store.ListNodeStates(context.Background(), "run-linear")
	if err != nil {
		t.Fatalf("list node states: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if states[id].State != types.NodeStatusSucceeded {
			t.Errorf("node %s: expected succeeded, got %s", id, states[id].State)
		}
	}
}

func TestScheduler_DiamondFanOutFanIn(t *testing.T) {
	resolve := simResolver(driver.SimulatedConfig{MinLatency: time.Millisecond, MaxLatency: 3 * time.Millisecond})
	sched, store, _ := newTestEnv(t, resolve, Config{MaxConcurrentNodesPerRun: 4})

	run := newQueuedRun("run-diamond", plan(
		[]string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}},
	))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sched.Start(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForTerminal(t, store, "run-diamond", 2*time.Second)
	if final.Status != types.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Status)
	}

	states, err := store.ListNodeStates(context.Background(), "run-diamond")
	if err != nil {
		t.Fatalf("list node states: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if states[id].State != types.NodeStatusSucceeded {
			t.Errorf("node %s: expected succeeded, got %s", id, states[id].State)
		}
	}
}

func TestScheduler_MoreReadyNodesThanSlots(t *testing.T) {
	resolve := simResolver(driver.SimulatedConfig{MinLatency: time.Millisecond, MaxLatency: 2 * time.Millisecond})
	sched, store, _ := newTestEnv(t, resolve, Config{MaxConcurrentNodesPerRun: 2})

	// Six independent nodes against two slots: everything beyond the slot
	// count must still get dispatched on later polls.
	run := newQueuedRun("run-wide", plan([]string{"n1", "n2", "n3", "n4", "n5", "n6"}, nil))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sched.Start(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForTerminal(t, store, "run-wide", 5*time.Second)
	if final.Status != types.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", final.Status)
	}

	states, err := store.ListNodeStates(context.Background(), "run-wide")
	if err != nil {
		t.Fatalf("list node states: %v", err)
	}
	for id, st := range states {
		if st.State != types.NodeStatusSucceeded {
			t.Errorf("node %s: expected succeeded, got %s", id, st.State)
		}
	}
}

func TestScheduler_PermanentFailurePropagatesAndSkipsDownstream(t *testing.T) {
	failing := &conditionalDriver{failNodes: map[string]bool{"b": true}}
	resolve := func(run *types.Run, node *types.NodeSpec) driver.Driver { return failing }
	sched, store, _ := newTestEnv(t, resolve, Config{MaxConcurrentNodesPerRun: 4})

	run := newQueuedRun("run-fail", plan(
		[]string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}},
	))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sched.Start(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitForTerminal(t, store, "run-fail", 2*time.Second)
	if final.Status != types.RunStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}

	states, err := store.ListNodeStates(context.Background(), "run-fail")
	if err != nil {
		t.Fatalf("list node states: %v", err)
	}
	if states["a"].State != types.NodeStatusSucceeded {
		t.Errorf("node a: expected succeeded, got %s", states["a"].State)
	}
	if states["b"].State != types.NodeStatusFailed {
		t.Errorf("node b: expected failed, got %s", states["b"].State)
	}
	if states["c"].State != types.NodeStatusCanceled {
		t.Errorf("node c (downstream of failed b): expected canceled, got %s", states["c"].State)
	}
}

func TestScheduler_CancelMidRun(t *testing.T) {
	blocking := &blockingDriver{release: make(chan struct{})}
	resolve := func(run *types.Run, node *types.NodeSpec) driver.Driver { return blocking }
	sched, store, _ := newTestEnv(t, resolve, Config{MaxConcurrentNodesPerRun: 4, CancelGrace: 500 * time.Millisecond})

	run := newQueuedRun("run-cancel", plan([]string{"a"}, nil))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sched.Start(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}

	blocking.waitStarted(t)
	sched.Cancel("run-cancel")

	final := waitForTerminal(t, store, "run-cancel", 2*time.Second)
	if final.Status != types.RunStatusCanceled {
		t.Fatalf("expected canceled, got %s", final.Status)
	}

	t.Run("cancel is idempotent", func(t *testing.T) {
		sched.Cancel("run-cancel")
	})
}

// eventStream polls a run's event log until the terminal status event has
// landed (the store flips terminal just before the event is appended), then
// returns the full stream for assertions.
func eventStream(t *testing.T, log eventlog.EventLog, runID string) []types.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := log.Range(context.Background(), runID, 0, 0)
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		if n := len(res.Events); n > 0 {
			last := res.Events[n-1]
			if last.Kind == types.EventKindStatus && types.RunStatus(statusOf(t, last)).Terminal() {
				return res.Events
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminal status event never appeared on %s's stream", runID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func statusOf(t *testing.T, e types.Event) string {
	t.Helper()
	var p struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("decode payload of seq %d: %v", e.Seq, err)
	}
	return p.Status
}

// nodeStatusSeq returns the seq of the first node_status event for nodeID
// with the given status, or 0 if none exists.
func nodeStatusSeq(t *testing.T, events []types.Event, nodeID, status string) uint64 {
	t.Helper()
	for _, e := range events {
		if e.Kind == types.EventKindNodeStatus && e.NodeID == nodeID && statusOf(t, e) == status {
			return e.Seq
		}
	}
	return 0
}

// TestScheduler_LinearChainEventStream drives the a->b->c chain with a
// driver wired to the event log and checks the observable stream: gap-free
// seqs from 1, status(running) first, per-node running-then-succeeded in
// chain order, and exactly one terminal status event with nothing after it.
func TestScheduler_LinearChainEventStream(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	d := driver.NewSimulatedDriver(driver.NewEventLogEmitter(log), driver.SimulatedConfig{MinLatency: time.Millisecond, MaxLatency: 2 * time.Millisecond})
	resolve := func(run *types.Run, node *types.NodeSpec) driver.Driver { return d }
	sched := New(store, log, resolve, Config{MaxConcurrentNodesPerRun: 4}, testLogger())

	run := newQueuedRun("run-stream", plan([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}}))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := log.NewRun(context.Background(), run.ID); err != nil {
		t.Fatalf("new run log: %v", err)
	}
	if err := sched.Start(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForTerminal(t, store, "run-stream", 2*time.Second)

	events := eventStream(t, log, "run-stream")
	if len(events) < 8 {
		t.Fatalf("expected at least 8 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("seq not gap-free at index %d: got %d", i, e.Seq)
		}
	}

	first, last := events[0], events[len(events)-1]
	if first.Kind != types.EventKindStatus || statusOf(t, first) != "running" {
		t.Fatalf("expected status(running) first, got %s(%s)", first.Kind, statusOf(t, first))
	}
	if last.Kind != types.EventKindStatus || statusOf(t, last) != "succeeded" {
		t.Fatalf("expected status(succeeded) last, got %s(%s)", last.Kind, statusOf(t, last))
	}

	terminalCount := 0
	for _, e := range events {
		if e.Kind == types.EventKindStatus && types.RunStatus(statusOf(t, e)).Terminal() {
			terminalCount++
		}
	}
	if terminalCount != 1 {
		t.Fatalf("expected exactly one terminal status event, got %d", terminalCount)
	}

	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}} {
		up := nodeStatusSeq(t, events, pair[0], "succeeded")
		down := nodeStatusSeq(t, events, pair[1], "running")
		if up == 0 || down == 0 {
			t.Fatalf("missing node_status events for %s -> %s", pair[0], pair[1])
		}
		if down < up {
			t.Fatalf("node %s started (seq %d) before upstream %s succeeded (seq %d)", pair[1], down, pair[0], up)
		}
	}
}

// TestScheduler_DiamondEventOrdering asserts the fan-in constraint: d starts
// only after both b and c have succeeded.
func TestScheduler_DiamondEventOrdering(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	d := driver.NewSimulatedDriver(driver.NewEventLogEmitter(log), driver.SimulatedConfig{MinLatency: time.Millisecond, MaxLatency: 3 * time.Millisecond})
	resolve := func(run *types.Run, node *types.NodeSpec) driver.Driver { return d }
	sched := New(store, log, resolve, Config{MaxConcurrentNodesPerRun: 4}, testLogger())

	run := newQueuedRun("run-diamond-events", plan(
		[]string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}},
	))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := log.NewRun(context.Background(), run.ID); err != nil {
		t.Fatalf("new run log: %v", err)
	}
	if err := sched.Start(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForTerminal(t, store, "run-diamond-events", 2*time.Second)

	events := eventStream(t, log, "run-diamond-events")
	dRunning := nodeStatusSeq(t, events, "d", "running")
	bDone := nodeStatusSeq(t, events, "b", "succeeded")
	cDone := nodeStatusSeq(t, events, "c", "succeeded")
	if dRunning == 0 || bDone == 0 || cDone == 0 {
		t.Fatalf("missing node_status events: d.running=%d b.succeeded=%d c.succeeded=%d", dRunning, bDone, cDone)
	}
	if dRunning < bDone || dRunning < cDone {
		t.Fatalf("d started at seq %d before both parents succeeded (b=%d, c=%d)", dRunning, bDone, cDone)
	}
}

// TestScheduler_CancelEventStream cancels a chain while its middle node is
// in flight: the not-yet-started tail node is recorded canceled, it never
// emits a running event, and status(canceled) closes the stream.
func TestScheduler_CancelEventStream(t *testing.T) {
	store := runstore.NewMemoryStore(nil)
	log := eventlog.NewMemoryEventLog(eventlog.DefaultConfig())
	blocking := &blockingDriver{release: make(chan struct{}), blockNodes: map[string]bool{"b": true}}
	resolve := func(run *types.Run, node *types.NodeSpec) driver.Driver { return blocking }
	sched := New(store, log, resolve, Config{MaxConcurrentNodesPerRun: 4, CancelGrace: 500 * time.Millisecond}, testLogger())

	run := newQueuedRun("run-cancel-events", plan([]string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}}))
	if err := store.Create(context.Background(), run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := log.NewRun(context.Background(), run.ID); err != nil {
		t.Fatalf("new run log: %v", err)
	}
	if err := sched.Start(context.Background(), run); err != nil {
		t.Fatalf("start: %v", err)
	}

	blocking.waitStarted(t)
	sched.Cancel("run-cancel-events")

	final := waitForTerminal(t, store, "run-cancel-events", 2*time.Second)
	if final.Status != types.RunStatusCanceled {
		t.Fatalf("expected canceled, got %s", final.Status)
	}

	events := eventStream(t, log, "run-cancel-events")
	last := events[len(events)-1]
	if last.Kind != types.EventKindStatus || statusOf(t, last) != "canceled" {
		t.Fatalf("expected status(canceled) to close the stream, got %s(%s)", last.Kind, statusOf(t, last))
	}
	if seq := nodeStatusSeq(t, events, "c", "running"); seq != 0 {
		t.Fatalf("node c must never start after cancel, found running event at seq %d", seq)
	}
	if seq := nodeStatusSeq(t, events, "c", "canceled"); seq == 0 {
		t.Fatal("expected a canceled node_status event for the never-started node c")
	}

	states, err := store.ListNodeStates(context.Background(), "run-cancel-events")
	if err != nil {
		t.Fatalf("list node states: %v", err)
	}
	if states["b"].State != types.NodeStatusCanceled {
		t.Fatalf("node b: expected canceled, got %s", states["b"].State)
	}
	if states["c"].State != types.NodeStatusCanceled {
		t.Fatalf("node c: expected canceled, got %s", states["c"].State)
	}
}

// TestScheduler_PinnedEdgeGatesOnOutput covers both sides of the pin
// condition: an edge naming a pin the upstream driver produces is satisfied,
// while an edge naming a pin that never appears leaves its target
// unsatisfiable and the run ends canceled rather than hanging.
func TestScheduler_PinnedEdgeGatesOnOutput(t *testing.T) {
	t.Run("produced pin satisfies edge", func(t *testing.T) {
		resolve := simResolver(driver.SimulatedConfig{MinLatency: time.Millisecond, MaxLatency: 2 * time.Millisecond})
		sched, store, _ := newTestEnv(t, resolve, Config{MaxConcurrentNodesPerRun: 4})

		// The simulated driver reports its output on the "echo" pin.
		run := newQueuedRun("run-pin-ok", plan([]string{"a", "b"}, [][2]string{{"a.echo", "b"}}))
		if err := store.Create(context.Background(), run); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := sched.Start(context.Background(), run); err != nil {
			t.Fatalf("start: %v", err)
		}
		final := waitForTerminal(t, store, "run-pin-ok", 2*time.Second)
		if final.Status != types.RunStatusSucceeded {
			t.Fatalf("expected succeeded, got %s", final.Status)
		}
	})

	t.Run("missing pin cancels target", func(t *testing.T) {
		resolve := simResolver(driver.SimulatedConfig{MinLatency: time.Millisecond, MaxLatency: 2 * time.Millisecond})
		sched, store, _ := newTestEnv(t, resolve, Config{MaxConcurrentNodesPerRun: 4})

		run := newQueuedRun("run-pin-dead", plan([]string{"a", "b"}, [][2]string{{"a.no-such-pin", "b"}}))
		if err := store.Create(context.Background(), run); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := sched.Start(context.Background(), run); err != nil {
			t.Fatalf("start: %v", err)
		}
		final := waitForTerminal(t, store, "run-pin-dead", 2*time.Second)
		if final.Status != types.RunStatusCanceled {
			t.Fatalf("expected canceled, got %s", final.Status)
		}

		states, err := store.ListNodeStates(context.Background(), "run-pin-dead")
		if err != nil {
			t.Fatalf("list node states: %v", err)
		}
		if states["a"].State != types.NodeStatusSucceeded {
			t.Errorf("node a: expected succeeded, got %s", states["a"].State)
		}
		if states["b"].State != types.NodeStatusCanceled {
			t.Errorf("node b: expected canceled, got %s", states["b"].State)
		}
	})
}

// conditionalDriver fails specific node ids immediately and succeeds the rest.
type conditionalDriver struct {
	failNodes map[string]bool
}

func (d *conditionalDriver) Execute(ctx context.Context, runID, nodeID, agentRef string, params map[string]json.RawMessage, cmd []string, env map[string]string, timeout float64, attempt int) driver.Result {
	if d.failNodes[nodeID] {
		return driver.Result{Kind: driver.FailurePermanent, Message: "forced failure", ExitCode: 1}
	}
	return driver.Result{Succeeded: true}
}
func (d *conditionalDriver) Abort(ctx context.Context, runID, nodeID string) error { return nil }
func (d *conditionalDriver) Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error) {
	return nil, driver.ErrLogsNotSupported
}

// blockingDriver blocks in Execute until ctx is canceled, reporting a
// Canceled result, used to exercise the mid-run cancellation cascade. With a
// non-nil blockNodes set, only those nodes block and the rest succeed
// immediately.
type blockingDriver struct {
	release    chan struct{}
	blockNodes map[string]bool
	started    atomic.Bool
}

func (d *blockingDriver) Execute(ctx context.Context, runID, nodeID, agentRef string, params map[string]json.RawMessage, cmd []string, env map[string]string, timeout float64, attempt int) driver.Result {
	if d.blockNodes != nil && !d.blockNodes[nodeID] {
		return driver.Result{Succeeded: true}
	}
	d.started.Store(true)
	select {
	case <-d.release:
		return driver.Result{Succeeded: true}
	case <-ctx.Done():
		return driver.Result{Canceled: true}
	}
}
func (d *blockingDriver) Abort(ctx context.Context, runID, nodeID string) error { return nil }
func (d *blockingDriver) Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error) {
	return nil, driver.ErrLogsNotSupported
}
func (d *blockingDriver) waitStarted(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.started.Load() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("driver never started")
}

var _ driver.Driver = (*conditionalDriver)(nil)
var _ driver.Driver = (*blockingDriver)(nil)
