package execution

import (
	"context"

	"github.com/rendis/cdflow/internal/expressions"
)

// Evaluator evaluates an expression against namespace data.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Context is the view of the current run a state executes against. States
// read from it; only the executor mutates the underlying instance.
type Context interface {
	Instance() *Instance
	AppID() string
	AccountID() string
	WorkflowID() string
	WorkflowExecutionID() string
	PipelineExecutionID() string
	ContextParam(key string) (string, bool)
	// StateData returns output previously recorded under a state or stage name.
	StateData(name string) map[string]any
	Evaluate(ctx context.Context, expression string) (any, error)
	EvaluateList(ctx context.Context, expression string) ([]any, error)
	// Data returns the namespace map expressions are evaluated against.
	Data() map[string]any
}

// ExecutionContext is the Context implementation the executor builds per
// state execution.
type ExecutionContext struct {
	inst      *Instance
	evaluator Evaluator
}

// NewContext wraps inst. evaluator may be nil when no state in the graph
// evaluates expressions.
func NewContext(inst *Instance, evaluator Evaluator) *ExecutionContext {
	return &ExecutionContext{inst: inst, evaluator: evaluator}
}

func (c *ExecutionContext) Instance() *Instance         { return c.inst }
func (c *ExecutionContext) AppID() string               { return c.inst.AppID }
func (c *ExecutionContext) AccountID() string           { return c.inst.AccountID }
func (c *ExecutionContext) WorkflowID() string          { return c.inst.WorkflowID }
func (c *ExecutionContext) WorkflowExecutionID() string { return c.inst.WorkflowExecutionID }
func (c *ExecutionContext) PipelineExecutionID() string { return c.inst.PipelineExecutionID }

func (c *ExecutionContext) ContextParam(key string) (string, bool) {
	return c.inst.ContextParam(key)
}

func (c *ExecutionContext) StateData(name string) map[string]any {
	return c.inst.ExecutionData[name]
}

// Evaluate evaluates expression against Data.
func (c *ExecutionContext) Evaluate(ctx context.Context, expression string) (any, error) {
	if c.evaluator == nil {
		return nil, errNoEvaluator()
	}
	return c.evaluator.Evaluate(ctx, expression, c.Data())
}

// EvaluateList evaluates an iteration source.
func (c *ExecutionContext) EvaluateList(ctx context.Context, expression string) ([]any, error) {
	out, err := c.Evaluate(ctx, expression)
	if err != nil {
		return nil, err
	}
	list, ok := expressions.ToList(out)
	if !ok {
		return nil, errNotAList(expression, out)
	}
	return list, nil
}

func (c *ExecutionContext) Data() map[string]any {
	states := make(map[string]any, len(c.inst.ExecutionData))
	for k, v := range c.inst.ExecutionData {
		states[k] = v
	}
	ctxParams := make(map[string]any, len(c.inst.ContextParams))
	for k, v := range c.inst.ContextParams {
		ctxParams[k] = v
	}
	params := map[string]any{}
	if lp := c.inst.LoopedStateParams; lp != nil {
		for k, v := range lp.Params {
			params[k] = v
		}
		params["stepName"] = lp.StepName
		if lp.Index != nil {
			params["index"] = *lp.Index
		}
	}
	return map[string]any{
		expressions.NSStates: states,
		expressions.NSWorkflow: map[string]any{
			"id":                    c.inst.WorkflowID,
			"execution_id":          c.inst.WorkflowExecutionID,
			"pipeline_execution_id": c.inst.PipelineExecutionID,
		},
		expressions.NSApp: map[string]any{
			"id":         c.inst.AppID,
			"account_id": c.inst.AccountID,
		},
		expressions.NSContext: ctxParams,
		expressions.NSParams:  params,
	}
}

var _ Context = (*ExecutionContext)(nil)
