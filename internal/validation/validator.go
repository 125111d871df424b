// Package validation checks workflow definitions before they are started:
// the JSON document shape, every state's properties, and the transition graph.
package validation

import "github.com/rendis/cdflow/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for the document shape and context params.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateContextParams(def *schema.WorkflowDefinition, params map[string]string) error
}
