package validator

import (
	"testing"

	"github.com/mentatlab/orchestrator/pkg/types"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestValidatePlan_AcceptsValidDAG(t *testing.T) {
	v := newValidator(t)
	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "c"}},
	}
	res := v.ValidatePlan(plan)
	if !res.Valid {
		t.Fatalf("expected valid plan, got errors: %+v", res.Errors)
	}
}

func TestValidatePlan_RejectsCycle(t *testing.T) {
	v := newValidator(t)
	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []types.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"}},
	}
	res := v.ValidatePlan(plan)
	if res.Valid {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestValidatePlan_RejectsDanglingEdge(t *testing.T) {
	v := newValidator(t)
	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a"}},
		Edges: []types.EdgeSpec{{From: "a", To: "ghost"}},
	}
	res := v.ValidatePlan(plan)
	if res.Valid {
		t.Fatal("expected dangling edge to be rejected")
	}
}

func TestValidatePlan_RejectsDuplicateNodeIDs(t *testing.T) {
	v := newValidator(t)
	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: "a"}, {ID: "a"}},
	}
	res := v.ValidatePlan(plan)
	if res.Valid {
		t.Fatal("expected duplicate node id to be rejected")
	}
}

func TestValidatePlan_RejectsEmptyNodeID(t *testing.T) {
	v := newValidator(t)
	plan := &types.Plan{
		Nodes: []types.NodeSpec{{ID: ""}},
	}
	res := v.ValidatePlan(plan)
	if res.Valid {
		t.Fatal("expected empty node id to be rejected")
	}
}

func TestValidatePlanJSON_RejectsMissingNodes(t *testing.T) {
	v := newValidator(t)
	res := v.ValidatePlanJSON([]byte(`{"edges":[]}`))
	if res.Valid {
		t.Fatal("expected schema validation to reject a plan with no nodes")
	}
}

func TestValidatePlanJSON_AcceptsMinimalPlan(t *testing.T) {
	v := newValidator(t)
	res := v.ValidatePlanJSON([]byte(`{"nodes":[{"id":"a"}]}`))
	if !res.Valid {
		t.Fatalf("expected valid plan, got errors: %+v", res.Errors)
	}
}

func TestValidationResult_DetailReturnsFirstMessage(t *testing.T) {
	res := &ValidationResult{Errors: []ValidationError{{Message: "first"}, {Message: "second"}}}
	if got := res.Detail(); got != "first" {
		t.Fatalf("expected %q, got %q", "first", got)
	}
}
