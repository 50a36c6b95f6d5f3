package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mentatlab/orchestrator/pkg/types"
)

// LocalSubprocessDriver executes nodes as local subprocesses. It parses
// NDJSON from stdout for structured events and emits log events for stderr.
type LocalSubprocessDriver struct {
	emitter        Emitter
	envPassthrough map[string]string
	cwd            string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// SubprocessConfig holds configuration for the subprocess driver.
type SubprocessConfig struct {
	EnvPassthrough map[string]string
	CWD            string
}

// NewLocalSubprocessDriver creates a new subprocess driver.
func NewLocalSubprocessDriver(emitter Emitter, cfg *SubprocessConfig) *LocalSubprocessDriver {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	return &LocalSubprocessDriver{
		emitter:        emitter,
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
		cancels:        make(map[string]context.CancelFunc),
	}
}

func attemptKey(runID, nodeID string) string { return runID + "/" + nodeID }

func (d *LocalSubprocessDriver) trackCancel(runID, nodeID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancels[attemptKey(runID, nodeID)] = cancel
	d.mu.Unlock()
}

func (d *LocalSubprocessDriver) untrack(runID, nodeID string) {
	d.mu.Lock()
	delete(d.cancels, attemptKey(runID, nodeID))
	d.mu.Unlock()
}

// Abort cancels a running subprocess attempt. Safe to call for an unknown
// or already-finished node.
func (d *LocalSubprocessDriver) Abort(ctx context.Context, runID, nodeID string) error {
	d.mu.Lock()
	cancel, ok := d.cancels[attemptKey(runID, nodeID)]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (d *LocalSubprocessDriver) Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error) {
	return nil, ErrLogsNotSupported
}

// Execute runs the command as a subprocess and classifies the outcome.
func (d *LocalSubprocessDriver) Execute(ctx context.Context, runID, nodeID, agentRef string, params map[string]json.RawMessage, cmd []string, env map[string]string, timeout float64, attempt int) Result {
	if len(cmd) == 0 {
		return Result{Kind: FailurePermanent, Message: "empty command", ExitCode: 1}
	}

	d.emitEvent(ctx, runID, "node_status", map[string]interface{}{"status": "running", "attempt": attempt}, nodeID, "")

	mergedEnv := os.Environ()
	for k, v := range d.envPassthrough {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range env {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	mergedEnv = append(mergedEnv, fmt.Sprintf("RUN_ID=%s", runID), fmt.Sprintf("NODE_ID=%s", nodeID), fmt.Sprintf("ATTEMPT=%d", attempt))
	if paramsJSON, err := json.Marshal(params); err == nil {
		mergedEnv = append(mergedEnv, fmt.Sprintf("NODE_PARAMS=%s", paramsJSON))
	}

	execCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		execCtx, timeoutCancel = context.WithTimeout(execCtx, time.Duration(timeout*float64(time.Second)))
		defer timeoutCancel()
	}
	d.trackCancel(runID, nodeID, cancel)
	defer func() { cancel(); d.untrack(runID, nodeID) }()

	c := exec.CommandContext(execCtx, cmd[0], cmd[1:]...)
	c.Env = mergedEnv
	if d.cwd != "" {
		c.Dir = d.cwd
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return Result{Kind: FailurePermanent, Message: fmt.Sprintf("stdout pipe: %v", err), ExitCode: 1}
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return Result{Kind: FailurePermanent, Message: fmt.Sprintf("stderr pipe: %v", err), ExitCode: 1}
	}

	if err := c.Start(); err != nil {
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{"status": "failed", "reason": "start_failed"}, nodeID, "error")
		return Result{Kind: FailureTransient, Message: fmt.Sprintf("start: %v", err), ExitCode: -1}
	}

	collector := &outputCollector{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d.streamStdout(ctx, runID, nodeID, stdout, collector) }()
	go func() { defer wg.Done(); d.streamStderr(ctx, runID, nodeID, stderr) }()
	wg.Wait()

	err = c.Wait()
	if err == nil {
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{"status": "succeeded"}, nodeID, "")
		return Result{Succeeded: true, Outputs: collector.outputs, ExitCode: 0}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{"status": "failed", "exitCode": code}, nodeID, "error")
		return Result{Kind: FailurePermanent, Message: fmt.Sprintf("exit code %d", code), ExitCode: code}
	}
	if execCtx.Err() == context.DeadlineExceeded {
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{"status": "failed", "reason": "timeout"}, nodeID, "error")
		return Result{Kind: FailureTransient, Message: "timed out", ExitCode: 124}
	}
	if execCtx.Err() == context.Canceled {
		d.emitEvent(ctx, runID, "node_status", map[string]interface{}{"status": "canceled"}, nodeID, "")
		return Result{Canceled: true, ExitCode: 130}
	}

	return Result{Kind: FailureTransient, Message: err.Error(), ExitCode: 1}
}

// outputCollector accumulates the node's output pins from NDJSON "result"
// lines. Written only by the stdout-scanning goroutine; read after wg.Wait.
type outputCollector struct {
	outputs map[string]json.RawMessage
}

func (c *outputCollector) set(outputs map[string]interface{}) {
	if c.outputs == nil {
		c.outputs = make(map[string]json.RawMessage, len(outputs))
	}
	for pin, value := range outputs {
		if b, err := json.Marshal(value); err == nil {
			c.outputs[pin] = b
		}
	}
}

func (d *LocalSubprocessDriver) streamStdout(ctx context.Context, runID, nodeID string, stdout interface{ Read([]byte) (int, error) }, collector *outputCollector) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		d.processStdoutLine(ctx, runID, nodeID, line, collector)
	}
}

func (d *LocalSubprocessDriver) streamStderr(ctx context.Context, runID, nodeID string, stderr interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(stderr)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		d.emitEvent(ctx, runID, "log", map[string]interface{}{"message": line, "level": "error"}, nodeID, "error")
	}
}

// processStdoutLine attempts to parse NDJSON and emit structured events. A
// line of type "result" additionally carries the node's output pins.
func (d *LocalSubprocessDriver) processStdoutLine(ctx context.Context, runID, nodeID, line string, collector *outputCollector) {
	parsed, err := types.ParseNDJSON([]byte(line))
	if err != nil {
		d.emitEvent(ctx, runID, "log", map[string]interface{}{"message": line, "level": "info"}, nodeID, "info")
		return
	}

	eventType := parsed.Type
	if eventType == "result" {
		if outputs, ok := parsed.Raw["outputs"].(map[string]interface{}); ok {
			collector.set(outputs)
		}
		eventType = "log"
	}
	level := ""
	if l, ok := parsed.Raw["level"].(string); ok {
		level = l
	}
	d.emitEvent(ctx, runID, eventType, parsed.Raw, nodeID, level)
}

func (d *LocalSubprocessDriver) emitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) {
	if d.emitter == nil {
		return
	}
	if err := d.emitter.EmitEvent(ctx, runID, eventType, data, nodeID, level); err != nil {
		slog.Error("failed to emit event", slog.String("run_id", runID), slog.String("event_type", eventType), slog.Any("error", err))
	}
}

var _ Driver = (*LocalSubprocessDriver)(nil)
