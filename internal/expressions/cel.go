package expressions

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELEngine is the default engine. Every namespace is declared as a
// map(string, dyn) variable, so `states.build.buildNo > 3` type-checks
// without knowing the shape of recorded outputs.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine declares one variable per namespace. Errors only if the
// cel-go environment itself cannot be built.
func NewCELEngine() (*CELEngine, error) {
	dynMap := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(namespaces))
	for _, ns := range namespaces {
		opts = append(opts, cel.Variable(ns, dynMap))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs a CEL expression; lists and maps come back as native Go
// values.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return nativeValue(out), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

// buildActivation defaults missing namespaces to empty maps so that a
// reference to an absent key fails with "no such key" instead of an
// undeclared-variable error.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(namespaces))
	for _, key := range namespaces {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var (
	nativeList = reflect.TypeOf([]any{})
	nativeMap  = reflect.TypeOf(map[string]any{})
)

// nativeValue unwraps CEL aggregates so callers never see ref.Val.
func nativeValue(v ref.Val) any {
	target := nativeList
	switch v.Type() {
	case types.ListType:
	case types.MapType:
		target = nativeMap
	default:
		return v.Value()
	}
	if native, err := v.ConvertToNative(target); err == nil {
		return native
	}
	return v.Value()
}

var _ Engine = (*CELEngine)(nil)
