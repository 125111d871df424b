package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot: unique state names,
// state properties per type, and transition and initial state references.
func validateSemantic(def *schema.WorkflowDefinition, factory *states.Factory) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(def.States))
	for _, sd := range def.States {
		if names[sd.Name] {
			result.AddStateError(sd.Name, "name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate state name %q", sd.Name))
			continue
		}
		names[sd.Name] = true

		if factory == nil {
			continue
		}
		if _, err := factory.Build(sd); err != nil {
			result.AddStateError(sd.Name, "properties", errorCode(err), err.Error())
		}
	}

	if def.InitialState != "" && !names[def.InitialState] {
		result.AddError("initial_state", schema.ErrCodeValidation,
			fmt.Sprintf("initial state %q does not exist", def.InitialState))
	}

	for i, t := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if !names[t.From] {
			result.AddError(path+".from", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent state %q", t.From))
		}
		if !names[t.To] {
			result.AddError(path+".to", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent state %q", t.To))
		}
	}

	return result
}

func errorCode(err error) string {
	var se *schema.Error
	if errors.As(err, &se) {
		return se.Code
	}
	return schema.ErrCodeValidation
}
