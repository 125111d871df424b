package expressions

import (
	"context"
	"strings"

	"github.com/rendis/cdflow/pkg/schema"
)

// Engine evaluates expressions against an execution context's data.
// Three implementations: CEL (default), Expr (prefix "expr:") and GoJQ (prefix "jq:").
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Top-level namespaces exposed to every engine.
const (
	NSStates   = "states"   // recorded outputs keyed by state name
	NSWorkflow = "workflow" // workflow, execution and pipeline ids
	NSApp      = "app"      // app and account ids
	NSContext  = "context"  // context parameters (phaseName, ...)
	NSParams   = "params"   // looped-state params of a fan-out child
)

var namespaces = []string{NSStates, NSWorkflow, NSApp, NSContext, NSParams}

// Evaluator routes an expression to an engine by prefix.
type Evaluator struct {
	cel  Engine
	expr Engine
	jq   Engine
}

// NewEvaluator builds an Evaluator with all three engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// Evaluate strips a known prefix and delegates to the matching engine.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	engine, body := ev.route(strings.TrimSpace(expression))
	return engine.Evaluate(ctx, body, data)
}

func (ev *Evaluator) route(expression string) (Engine, string) {
	switch {
	case strings.HasPrefix(expression, "expr:"):
		return ev.expr, strings.TrimSpace(strings.TrimPrefix(expression, "expr:"))
	case strings.HasPrefix(expression, "jq:"):
		return ev.jq, strings.TrimSpace(strings.TrimPrefix(expression, "jq:"))
	case strings.HasPrefix(expression, "cel:"):
		return ev.cel, strings.TrimSpace(strings.TrimPrefix(expression, "cel:"))
	default:
		return ev.cel, expression
	}
}

// EvaluateList evaluates an expression that must yield a list, such as the
// iteration source of a repeat state. A scalar result becomes a one-element
// list; nil becomes an empty list.
func (ev *Evaluator) EvaluateList(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	out, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	list, ok := ToList(out)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression %q did not evaluate to a list (got %T)", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return list, nil
}

// EvaluateBool evaluates a gating predicate.
func (ev *Evaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := ev.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"expression %q did not evaluate to a bool (got %T)", expression, out)
	}
	return b, nil
}

var _ Engine = (*Evaluator)(nil)

// Name returns the evaluator identifier.
func (ev *Evaluator) Name() string {
	return "router"
}
