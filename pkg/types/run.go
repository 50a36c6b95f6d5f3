// Package types provides the data model shared across the orchestrator:
// Run, Plan, Node, Edge, NodeState, Event and Checkpoint. Plans and node
// params are kept as opaque JSON at this boundary; only edges are parsed
// into structured endpoints.
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// RunMode selects which backend owns a run's persistence and execution.
type RunMode string

const (
	ModeMemory RunMode = "memory"
	ModeRedis  RunMode = "redis"
	ModeK8s    RunMode = "k8s"
)

// RunStatus is the run-level state machine value. Terminal states
// (Succeeded, Failed, Canceled) are absorbing.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether s is an absorbing run status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// NodeStatus is the per-node state machine value.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCanceled  NodeStatus = "canceled"
)

// Terminal reports whether s is an absorbing node status.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped, NodeStatusCanceled:
		return true
	default:
		return false
	}
}

// NodeSpec is a single unit of work within a Plan. AgentRef and Params are
// consumed opaquely by drivers; the engine never inspects their contents
// beyond the structural plan validation performed once at create time.
type NodeSpec struct {
	ID       string                     `json:"id"`
	AgentRef string                     `json:"agent_ref,omitempty"`
	Params   map[string]json.RawMessage `json:"params,omitempty"`
	Cmd      []string                   `json:"cmd,omitempty"`
	Env      map[string]string          `json:"env,omitempty"`
	Timeout  time.Duration              `json:"timeout,omitempty"`
	Retries  *int                       `json:"max_retries,omitempty"`
}

// EdgeSpec is a directed connection between two plan endpoints. Endpoints
// use the "<node>[.<pin>]" syntax; pins are opaque strings to the scheduler.
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Endpoint is a parsed "<node>[.<pin>]" reference.
type Endpoint struct {
	Node string
	Pin  string // empty if no pin was specified
}

// ParseEndpoint splits a "<node>[.<pin>]" string into its components.
func ParseEndpoint(s string) Endpoint {
	node, pin, found := strings.Cut(s, ".")
	if !found {
		return Endpoint{Node: s}
	}
	return Endpoint{Node: node, Pin: pin}
}

// SourceNode returns the parsed source node id of the edge.
func (e EdgeSpec) SourceNode() string { return ParseEndpoint(e.From).Node }

// SourcePin returns the parsed source pin, or "" if none.
func (e EdgeSpec) SourcePin() string { return ParseEndpoint(e.From).Pin }

// DestNode returns the parsed destination node id of the edge.
func (e EdgeSpec) DestNode() string { return ParseEndpoint(e.To).Node }

// DestPin returns the parsed destination pin, or "" if none.
func (e EdgeSpec) DestPin() string { return ParseEndpoint(e.To).Pin }

// Plan is an immutable DAG of nodes and edges. Node declaration order is
// significant: it is the tie-break order for the scheduler's ready set.
type Plan struct {
	Nodes []NodeSpec `json:"nodes"`
	Edges []EdgeSpec `json:"edges,omitempty"`
}

// NodeOrder returns node ids in their plan declaration order.
func (p *Plan) NodeOrder() []string {
	order := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		order[i] = n.ID
	}
	return order
}

// Run is one execution of a Plan.
type Run struct {
	ID         string            `json:"id"`
	Plan       *Plan             `json:"plan,omitempty"`
	Mode       RunMode           `json:"mode"`
	Status     RunStatus         `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Meta returns the run's listing representation, without the plan body.
func (r *Run) Meta() RunMeta {
	return RunMeta{
		ID:         r.ID,
		Mode:       r.Mode,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
		Metadata:   r.Metadata,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// RunMeta is a lightweight representation of a run for listing, omitting
// the (potentially large) plan body.
type RunMeta struct {
	ID         string            `json:"id"`
	Mode       RunMode           `json:"mode"`
	Status     RunStatus         `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NodeState is the per-(run,node) execution record.
type NodeState struct {
	RunID      string                     `json:"run_id"`
	NodeID     string                     `json:"node_id"`
	State      NodeStatus                 `json:"state"`
	Attempt    int                        `json:"attempt"`
	StartedAt  *time.Time                 `json:"started_at,omitempty"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Output     map[string]json.RawMessage `json:"output,omitempty"`
}
