package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// SimulatedDriver executes nothing: it sleeps for a configurable duration
// and then reports success or a synthetic failure. Used for scheduler and
// fanout tests and for local development without real agent images.
type SimulatedDriver struct {
	emitter Emitter
	cfg     SimulatedConfig
	rng     *rand.Rand
}

// SimulatedConfig tunes how a SimulatedDriver behaves.
type SimulatedConfig struct {
	// MinLatency/MaxLatency bound the simulated work duration used when a
	// node's params carry no "delay" key. A node-level params.delay always
	// takes precedence over this range.
	MinLatency time.Duration
	MaxLatency time.Duration
	// FailureRate is the probability (0..1) that an attempt fails.
	FailureRate float64
	// Seed makes failure/latency selection reproducible in tests; 0 uses
	// the current time.
	Seed int64
}

// DefaultSimulatedConfig returns the standard behavior: a fixed
// 100ms delay when a node does not set params.delay.
func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{MinLatency: defaultSimulatedDelay, MaxLatency: defaultSimulatedDelay}
}

// defaultSimulatedDelay is the delay a Simulated node runs for when its
// params carry no "delay" key.
const defaultSimulatedDelay = 100 * time.Millisecond

// NewSimulatedDriver builds a SimulatedDriver.
func NewSimulatedDriver(emitter Emitter, cfg SimulatedConfig) *SimulatedDriver {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedDriver{emitter: emitter, cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (d *SimulatedDriver) Execute(ctx context.Context, runID, nodeID, agentRef string, params map[string]json.RawMessage, cmd []string, env map[string]string, timeout float64, attempt int) Result {
	d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "running", "attempt": attempt}, "")

	lat := d.delayFor(params)

	select {
	case <-time.After(lat):
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "failed", "reason": "timeout"}, "error")
			return Result{Kind: FailureTransient, Message: "timed out", ExitCode: 124}
		}
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "canceled"}, "")
		return Result{Canceled: true, ExitCode: -1}
	}

	if d.cfg.FailureRate > 0 && d.rng.Float64() < d.cfg.FailureRate {
		msg := fmt.Sprintf("simulated failure for node %s", nodeID)
		d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "failed", "error": msg}, "error")
		return Result{Succeeded: false, Kind: FailurePermanent, Message: msg, ExitCode: 1}
	}

	d.emit(ctx, runID, nodeID, "node_status", map[string]interface{}{"status": "succeeded", "output": map[string]interface{}{"echo": params}}, "")
	echo, _ := json.Marshal(params)
	return Result{Succeeded: true, Outputs: map[string]json.RawMessage{"echo": echo}, ExitCode: 0}
}

// delayFor resolves the sleep duration for one Execute call: a node's own
// params.delay wins when present (as a duration string like "250ms", or as a
// bare number of milliseconds); otherwise it falls back to the driver's
// configured MinLatency..MaxLatency range.
func (d *SimulatedDriver) delayFor(params map[string]json.RawMessage) time.Duration {
	if raw, ok := params["delay"]; ok {
		if dur, ok := parseDelay(raw); ok {
			return dur
		}
	}

	lat := d.cfg.MinLatency
	if d.cfg.MaxLatency > d.cfg.MinLatency {
		lat += time.Duration(d.rng.Int63n(int64(d.cfg.MaxLatency - d.cfg.MinLatency)))
	}
	return lat
}

// parseDelay accepts either a JSON string ("250ms", parsed via
// time.ParseDuration) or a JSON number (interpreted as milliseconds).
func parseDelay(raw json.RawMessage) (time.Duration, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if dur, err := time.ParseDuration(s); err == nil {
			return dur, true
		}
		return 0, false
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), true
	}
	return 0, false
}

func (d *SimulatedDriver) Abort(ctx context.Context, runID, nodeID string) error {
	// Nothing to tear down; Execute already selects on ctx.Done().
	return nil
}

func (d *SimulatedDriver) Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error) {
	return nil, ErrLogsNotSupported
}

func (d *SimulatedDriver) emit(ctx context.Context, runID, nodeID, eventType string, data map[string]interface{}, level string) {
	if d.emitter == nil {
		return
	}
	d.emitter.EmitEvent(ctx, runID, eventType, data, nodeID, level)
}

var _ Driver = (*SimulatedDriver)(nil)
