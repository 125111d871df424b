package execution

import "github.com/rendis/cdflow/pkg/schema"

func errNoEvaluator() error {
	return schema.InvalidRequest("execution context has no expression evaluator")
}

func errNotAList(expression string, got any) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"expression %q did not evaluate to a list (got %T)", expression, got)
}
