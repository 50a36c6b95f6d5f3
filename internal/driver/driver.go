// Package driver provides pluggable executors for agent nodes: simulated,
// local subprocess, Redis-queued worker, and Kubernetes Job.
package driver

import (
	"context"
	"encoding/json"
)

// FailureKind classifies why a node execution did not succeed, so the
// scheduler can decide whether a retry is worth attempting.
type FailureKind string

const (
	// FailureTransient covers infrastructure hiccups (connection reset,
	// timeout, driver backend unavailable) that a retry may clear.
	FailureTransient FailureKind = "transient"
	// FailurePermanent covers the node's own logic failing (non-zero exit,
	// malformed output) where retrying the same inputs will not help.
	FailurePermanent FailureKind = "permanent"
)

// Result is what a Driver returns for one node execution attempt.
type Result struct {
	// Succeeded is true only when the node completed without error.
	Succeeded bool
	// Outputs maps output pin names to the values this attempt produced;
	// only meaningful when Succeeded is true. Downstream edges that name a
	// source pin are not satisfied until that pin appears here.
	Outputs map[string]json.RawMessage
	// Canceled is true when execution stopped because the caller's context
	// was canceled (run or node cancellation), not because of a failure.
	Canceled bool
	// Kind classifies a failure for retry policy; meaningless if Succeeded
	// or Canceled is true.
	Kind FailureKind
	// Message is a short human-readable failure explanation.
	Message string
	// ExitCode is the process exit code when the executor is process-like
	// (subprocess, container); -1 when not applicable.
	ExitCode int
}

// Driver executes a single node attempt to completion (success, failure, or
// cancellation) and reports structured events as it goes via the Emitter
// passed at construction time. Implementations must honor ctx cancellation
// by aborting the underlying execution and returning a Canceled Result.
type Driver interface {
	// Execute runs one node attempt. runID/nodeID identify the node being
	// executed; agentRef names the agent implementation (used by queue- and
	// label-based backends to route work); params carries the node's
	// declared params verbatim (NodeSpec.Params), opaque to the scheduler but
	// meaningful to individual drivers (e.g. Simulated's "delay"); cmd/env
	// carry the node's invocation; timeout is the node's configured
	// wall-clock budget (0 = no timeout, enforced by the scheduler's own
	// context deadline instead); attempt is the 1-based retry count for this
	// node, used by drivers that must not reuse a prior attempt's backend
	// identity (e.g. K8s Job names).
	Execute(ctx context.Context, runID, nodeID, agentRef string, params map[string]json.RawMessage, cmd []string, env map[string]string, timeout float64, attempt int) Result

	// Abort requests cancellation of a running node by id. It must be safe
	// to call multiple times (idempotent) and safe to call for a node that
	// already finished or was never started.
	Abort(ctx context.Context, runID, nodeID string) error

	// Logs returns recent log lines for a node, if the backend retains
	// them out-of-band from the event stream. Drivers that stream
	// everything through Emitter may return ErrLogsNotSupported.
	Logs(ctx context.Context, runID, nodeID string, tail int) ([]string, error)
}

// Emitter is called by drivers to emit structured events to the orchestrator's
// event log. Passed to drivers at construction time.
type Emitter interface {
	EmitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) error
}
