// Package validator structurally validates execution plans: required
// shape via JSON Schema, then graph-level invariants (unique node ids,
// edges reference declared nodes, acyclic) that a schema alone cannot
// express.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mentatlab/orchestrator/pkg/types"
)

// Validator validates execution plans.
type Validator struct {
	planSchema *jsonschema.Schema
}

// ValidationError represents a single validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Detail returns a single human-readable string summarizing the first
// error, suitable for the {error:"validation", detail:...} response shape.
func (r *ValidationResult) Detail() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0].Message
}

// New creates a new validator with the embedded plan schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("plan.json", strings.NewReader(planSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}

	schema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &Validator{planSchema: schema}, nil
}

// ValidatePlanJSON validates the structural shape of a raw plan document
// against the schema, then decodes it and checks graph-level invariants.
func (v *Validator) ValidatePlanJSON(data []byte) *ValidationResult {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{Valid: false, Errors: []ValidationError{
			{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
		}}
	}

	if err := v.planSchema.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return &ValidationResult{Valid: false, Errors: extractErrors(verr)}
		}
		return &ValidationResult{Valid: false, Errors: []ValidationError{{Path: "$", Message: err.Error()}}}
	}

	var plan types.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return &ValidationResult{Valid: false, Errors: []ValidationError{
			{Path: "$", Message: fmt.Sprintf("decode plan: %v", err)},
		}}
	}
	return v.ValidatePlan(&plan)
}

// ValidatePlan checks graph-level invariants against an already-decoded
// Plan: node ids are unique and non-empty, every edge endpoint references a
// declared node, and the graph is acyclic.
func (v *Validator) ValidatePlan(plan *types.Plan) *ValidationResult {
	var errs []ValidationError

	seen := make(map[string]bool, len(plan.Nodes))
	for _, n := range plan.Nodes {
		if n.ID == "" {
			errs = append(errs, ValidationError{Path: "$.nodes", Message: "node id must not be empty"})
			continue
		}
		if seen[n.ID] {
			errs = append(errs, ValidationError{Path: "$.nodes", Message: fmt.Sprintf("duplicate node id %q", n.ID)})
			continue
		}
		seen[n.ID] = true
	}

	adj := make(map[string][]string, len(plan.Nodes))
	for _, e := range plan.Edges {
		src, dst := e.SourceNode(), e.DestNode()
		if !seen[src] {
			errs = append(errs, ValidationError{Path: "$.edges", Message: fmt.Sprintf("edge references unknown node %q", src)})
		}
		if !seen[dst] {
			errs = append(errs, ValidationError{Path: "$.edges", Message: fmt.Sprintf("edge references unknown node %q", dst)})
		}
		adj[src] = append(adj[src], dst)
	}

	if len(errs) == 0 {
		if cyc := findCycle(plan.NodeOrder(), adj); cyc != "" {
			errs = append(errs, ValidationError{Path: "$.edges", Message: "cycle"})
		}
	}

	if len(errs) > 0 {
		return &ValidationResult{Valid: false, Errors: errs}
	}
	return &ValidationResult{Valid: true}
}

// findCycle runs a depth-first search with a three-color mark over the
// plan's declaration order, returning the node id where a back-edge closed
// a cycle, or "" if the graph is acyclic.
func findCycle(order []string, adj map[string][]string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(order))
	var cyclic string

	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				cyclic = next
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	for _, n := range order {
		if color[n] == white {
			if visit(n) {
				return cyclic
			}
		}
	}
	return ""
}

// extractErrors recursively flattens a jsonschema.ValidationError tree.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "plan.json",
  "title": "Execution Plan",
  "description": "Schema for orchestrator execution plans",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {
            "type": "string",
            "minLength": 1,
            "description": "Node identifier, unique within the plan"
          },
          "agent_ref": {
            "type": "string",
            "description": "Opaque reference to the agent that implements this node"
          },
          "params": {
            "type": "object",
            "description": "Opaque node parameters, passed through uninspected"
          },
          "cmd": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Command and arguments for subprocess/K8s drivers"
          },
          "env": {
            "type": "object",
            "additionalProperties": {"type": "string"},
            "description": "Environment variables"
          },
          "timeout": {
            "description": "Per-attempt timeout in nanoseconds"
          },
          "max_retries": {
            "type": ["integer", "null"],
            "minimum": 0,
            "description": "Override for the default max retry count"
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1, "description": "Source endpoint, '<node>[.<pin>]'"},
          "to": {"type": "string", "minLength": 1, "description": "Destination endpoint, '<node>[.<pin>]'"}
        }
      }
    }
  }
}`
