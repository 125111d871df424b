package validation

import (
	"fmt"

	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/pkg/schema"
)

// validateGraph compiles the definition (transition tables, fan-out bindings,
// cycle detection) and warns about states nothing can reach.
func validateGraph(def *schema.WorkflowDefinition, factory *states.Factory) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := states.Compile(def, factory)
	if err != nil {
		result.AddError("transitions", errorCode(err), err.Error())
		return result
	}

	reachable := g.Reachable()
	for _, name := range g.Sorted {
		if !reachable[name] {
			result.AddStateWarning(name, "", schema.ErrCodeValidation,
				fmt.Sprintf("state %q is unreachable from initial state %q", name, g.InitialState().Name()))
		}
	}
	return result
}
