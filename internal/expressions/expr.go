package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang expressions, selected with the "expr:"
// prefix. Useful for list pipelines such as
// `filter(states.build.artifacts, .ready) | map(.buildNo)`.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs the expression with each namespace bound as a top-level
// variable.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, buildActivation(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// compile types the program against the namespace shape only; keys inside
// a namespace are resolved at run time.
func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(buildActivation(nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
