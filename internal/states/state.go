// Package states implements the workflow state variants. Each variant is
// built from a StateDefinition by the Factory and executed by the engine
// against an execution.Context.
//
// Execute returns a response for expected outcomes, including domain
// failures. An error return is reserved for contract violations; errors
// carrying schema.ErrCodeInvalidRequest or ErrCodeNullReference are fatal.
package states

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/cdflow/internal/aggregate"
	"github.com/rendis/cdflow/internal/approval"
	"github.com/rendis/cdflow/internal/delegate"
	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/outputs"
	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/internal/telemetry"
	"github.com/rendis/cdflow/pkg/schema"
)

// State is one node of a workflow graph.
type State interface {
	Name() string
	Type() schema.StateType
	Execute(ctx context.Context, ec execution.Context) (*execution.Response, error)
	// TimeoutMillis bounds how long the state may wait; nil means the
	// executor default.
	TimeoutMillis() *int64
	ValidateFields() error
}

// AsyncState is a State whose Execute may return an asynchronous response.
// HandleAsyncResponse is called exactly once per awaited set, with a result
// for every awaited correlation id.
type AsyncState interface {
	State
	HandleAsyncResponse(ctx context.Context, ec execution.Context, results map[string]execution.Result) (*execution.Response, error)
}

// ChildResolver is implemented by fan-out states whose children run a state
// that is not declared in the graph.
type ChildResolver interface {
	ChildState(child *execution.Instance) (State, bool)
}

// Renderer resolves ${{ expr }} templates against execution data.
type Renderer interface {
	Render(ctx context.Context, template string, data map[string]any) (any, error)
	RenderMap(ctx context.Context, params map[string]any, data map[string]any) (map[string]any, error)
}

// Approvals raises approval requests for pause states.
type Approvals interface {
	Request(ctx context.Context, ec execution.Context, message string, approvers []string) (*approval.Approval, error)
}

// Deps are the collaborators states use. Every field is optional; a state
// that needs a missing collaborator fails with INVALID_REQUEST.
type Deps struct {
	Dispatcher delegate.Dispatcher
	Outputs    outputs.Store
	Gate       *permits.Gate
	Approvals  Approvals
	Aggregator *aggregate.Aggregator
	Renderer   Renderer
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Deps) aggregator() *aggregate.Aggregator {
	if d.Aggregator == nil {
		return aggregate.New(nil)
	}
	return d.Aggregator
}

// render resolves templates in params. Without a renderer params are used
// verbatim.
func (d *Deps) render(ctx context.Context, ec execution.Context, params map[string]any) (map[string]any, error) {
	if d.Renderer == nil || len(params) == 0 {
		return params, nil
	}
	return d.Renderer.RenderMap(ctx, params, ec.Data())
}

// aggregateResults reduces fan-out results and records the aggregation.
func (d *Deps) aggregateResults(ctx context.Context, ec execution.Context, results map[string]execution.Result) *execution.Response {
	outcome := d.aggregator().Aggregate(ctx, ec.AccountID(), results)
	d.Metrics.RecordAggregation(outcome.Policy.String(), string(outcome.Status))
	return outcome.Response()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(name string, cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid properties: %v", err).
			WithState(name).WithCause(err)
	}
	return nil
}

// base carries the capability set shared by every variant.
type base struct {
	name      string
	stateType schema.StateType
	timeout   *int64
}

func (b *base) Name() string           { return b.name }
func (b *base) Type() schema.StateType { return b.stateType }
func (b *base) TimeoutMillis() *int64  { return b.timeout }

func missingDep(name, dep string) error {
	return schema.InvalidRequest("state %s requires a %s", name, dep).WithState(name)
}

// passThrough completes with the single awaited result. Several results are
// aggregated.
func (d *Deps) passThrough(ctx context.Context, ec execution.Context, results map[string]execution.Result) *execution.Response {
	if len(results) != 1 {
		return d.aggregateResults(ctx, ec, results)
	}
	for _, r := range results {
		resp := execution.Complete(r.Status, r.ErrorMessage)
		if len(r.Data) > 0 {
			resp.WithStateData(r.Data)
		}
		return resp
	}
	return execution.Succeeded()
}

// asInt reads an integer that may have been through a JSON round trip.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
