package validation

import (
	"errors"

	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (state properties, references)
// 3. Graph (transition tables, cycles, reachability)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	factory    *states.Factory
}

// NewWorkflowValidator creates a WorkflowValidator. States are built through
// factory; a nil factory skips property checks and the graph stage.
func NewWorkflowValidator(factory *states.Factory) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, factory: factory}, nil
}

// Validate runs the pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.factory))

	if result.Valid() && wv.factory != nil {
		result.Merge(validateGraph(def, wv.factory))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateContextParams delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateContextParams(def *schema.WorkflowDefinition, params map[string]string) error {
	return wv.jsonSchema.ValidateContextParams(def, params)
}

// validateStructural converts JSONSchemaValidator output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var se *schema.Error
	if !errors.As(err, &se) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := se.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, se.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
