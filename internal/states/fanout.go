package states

import (
	"context"
	"fmt"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/timeout"
	"github.com/rendis/cdflow/pkg/schema"
)

// DefaultLoopVariable is the loop parameter an env loop sets on its children.
const DefaultLoopVariable = "envId"

// DefaultRepeatVariable is the parameter a repeat sets to the current element.
const DefaultRepeatVariable = "element"

// binder is implemented by states that reference other states of the graph.
// Compile calls bind once every state is registered.
type binder interface {
	bind(g *Graph) error
	references() []string
}

// target resolves a referenced state name into its type.
func target(g *Graph, from, name string) (schema.StateType, error) {
	st, ok := g.State(name)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "references unknown state %q", name).WithState(from)
	}
	return st.Type(), nil
}

// --- Fork ---

// ForkConfig lists the states run concurrently.
type ForkConfig struct {
	ForkStateNames []string `json:"forkStateNames" validate:"required,min=1,unique,dive,required"`
	TimeoutMinutes *int     `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// Fork runs one child per forked state and aggregates their statuses.
type Fork struct {
	base
	cfg     ForkConfig
	deps    *Deps
	targets map[string]schema.StateType
}

// NewFork builds a Fork state.
func NewFork(name string, cfg ForkConfig, deps *Deps) *Fork {
	return &Fork{
		base: base{name: name, stateType: schema.StateTypeFork, timeout: timeout.ResolveMillis(cfg.TimeoutMinutes)},
		cfg:  cfg,
		deps: deps,
	}
}

func (s *Fork) ValidateFields() error { return validateConfig(s.name, &s.cfg) }

func (s *Fork) bind(g *Graph) error {
	s.targets = make(map[string]schema.StateType, len(s.cfg.ForkStateNames))
	for _, name := range s.cfg.ForkStateNames {
		if name == s.name {
			return schema.NewError(schema.ErrCodeCycleDetected, "fork references itself").WithState(s.name)
		}
		t, err := target(g, s.name, name)
		if err != nil {
			return err
		}
		s.targets[name] = t
	}
	return nil
}

func (s *Fork) references() []string { return s.cfg.ForkStateNames }

func (s *Fork) Execute(_ context.Context, ec execution.Context) (*execution.Response, error) {
	parent := ec.Instance()
	children := make([]*execution.Instance, 0, len(s.cfg.ForkStateNames))
	for _, name := range s.cfg.ForkStateNames {
		t, ok := s.targets[name]
		if !ok {
			return nil, schema.InvalidRequest("fork target %q is not bound", name).WithState(s.name)
		}
		children = append(children, parent.Clone(name).ForState(name, t).
			WithLoopedParams(&execution.LoopedStateParams{StepName: name}))
	}
	return execution.AwaitChildren(children...), nil
}

func (s *Fork) HandleAsyncResponse(ctx context.Context, ec execution.Context, results map[string]execution.Result) (*execution.Response, error) {
	return s.deps.aggregateResults(ctx, ec, results), nil
}

// --- Repeat ---

// RepeatConfig evaluates a list and runs the element state once per element.
type RepeatConfig struct {
	RepeatElementExpression string                   `json:"repeatElementExpression" validate:"required"`
	RepeatElementStateName  string                   `json:"repeatElementStateName" validate:"required"`
	RepeatElementVariable   string                   `json:"repeatElementVariable,omitempty"`
	ExecutionStrategy       schema.ExecutionStrategy `json:"executionStrategy,omitempty" validate:"omitempty,oneof=SERIAL PARALLEL"`
	TimeoutMinutes          *int                     `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// Repeat fans out over the evaluated elements. PARALLEL schedules every child
// at once and aggregates; SERIAL schedules one child at a time, stops at the
// first non-successful child and passes its status through.
type Repeat struct {
	base
	cfg        RepeatConfig
	deps       *Deps
	targetType schema.StateType
}

// State data keys a serial repeat keeps between dispatches.
const (
	repeatElementsKey = "repeatElements"
	repeatIndexKey    = "repeatIndex"
)

// NewRepeat builds a Repeat state. The strategy defaults to PARALLEL.
func NewRepeat(name string, cfg RepeatConfig, deps *Deps) *Repeat {
	if cfg.ExecutionStrategy == "" {
		cfg.ExecutionStrategy = schema.StrategyParallel
	}
	if cfg.RepeatElementVariable == "" {
		cfg.RepeatElementVariable = DefaultRepeatVariable
	}
	return &Repeat{
		base: base{name: name, stateType: schema.StateTypeRepeat, timeout: timeout.ResolveMillis(cfg.TimeoutMinutes)},
		cfg:  cfg,
		deps: deps,
	}
}

func (s *Repeat) ValidateFields() error { return validateConfig(s.name, &s.cfg) }

func (s *Repeat) bind(g *Graph) error {
	if s.cfg.RepeatElementStateName == s.name {
		return schema.NewError(schema.ErrCodeCycleDetected, "repeat references itself").WithState(s.name)
	}
	t, err := target(g, s.name, s.cfg.RepeatElementStateName)
	s.targetType = t
	return err
}

func (s *Repeat) references() []string { return []string{s.cfg.RepeatElementStateName} }

func (s *Repeat) Execute(ctx context.Context, ec execution.Context) (*execution.Response, error) {
	elements, err := ec.EvaluateList(ctx, s.cfg.RepeatElementExpression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "evaluate repeat elements: %v", err).
			WithState(s.name).WithCause(err)
	}
	if len(elements) == 0 {
		return execution.Succeeded(), nil
	}

	if s.cfg.ExecutionStrategy == schema.StrategySerial {
		return s.dispatch(ec, elements, 0), nil
	}
	children := make([]*execution.Instance, len(elements))
	for i, el := range elements {
		children[i] = s.child(ec.Instance(), el, i, nil)
	}
	return execution.AwaitChildren(children...), nil
}

func (s *Repeat) child(parent *execution.Instance, element any, i int, index *int) *execution.Instance {
	display := fmt.Sprintf("%s_%d", s.cfg.RepeatElementStateName, i+1)
	return parent.Clone(display).
		ForState(s.cfg.RepeatElementStateName, s.targetType).
		WithLoopedParams(&execution.LoopedStateParams{
			StepName: display,
			Index:    index,
			Params:   map[string]any{s.cfg.RepeatElementVariable: element},
		})
}

func (s *Repeat) dispatch(ec execution.Context, elements []any, i int) *execution.Response {
	idx := i
	return execution.AwaitChildren(s.child(ec.Instance(), elements[i], i, &idx)).
		WithStateData(map[string]any{repeatElementsKey: elements, repeatIndexKey: i})
}

func (s *Repeat) HandleAsyncResponse(ctx context.Context, ec execution.Context, results map[string]execution.Result) (*execution.Response, error) {
	if s.cfg.ExecutionStrategy != schema.StrategySerial {
		return s.deps.aggregateResults(ctx, ec, results), nil
	}

	var last execution.Result
	for _, r := range results {
		last = r
	}
	if !last.Status.IsPositive() {
		return execution.Complete(last.Status, last.ErrorMessage), nil
	}

	data := ec.StateData(s.name)
	elements, _ := data[repeatElementsKey].([]any)
	i, ok := asInt(data[repeatIndexKey])
	if !ok {
		return nil, schema.InvalidRequest("serial repeat lost its position").WithState(s.name)
	}
	if i+1 >= len(elements) {
		return execution.Complete(last.Status, last.ErrorMessage), nil
	}
	return s.dispatch(ec, elements, i+1), nil
}

// --- Env loop ---

// EnvLoopConfig runs the looped state once per environment.
type EnvLoopConfig struct {
	LoopedStateName        string   `json:"loopedStateName" validate:"required"`
	LoopedVarName          string   `json:"loopedVarName,omitempty"`
	LoopedValues           []string `json:"loopedValues,omitempty" validate:"required_without=LoopedValuesExpression,unique"`
	LoopedValuesExpression string   `json:"loopedValuesExpression,omitempty"`
	TimeoutMinutes         *int     `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// EnvLoop fans out one child per looped value and aggregates.
type EnvLoop struct {
	base
	cfg        EnvLoopConfig
	deps       *Deps
	targetType schema.StateType
}

// NewEnvLoop builds an EnvLoop state.
func NewEnvLoop(name string, cfg EnvLoopConfig, deps *Deps) *EnvLoop {
	if cfg.LoopedVarName == "" {
		cfg.LoopedVarName = DefaultLoopVariable
	}
	return &EnvLoop{
		base: base{name: name, stateType: schema.StateTypeEnvLoop, timeout: timeout.ResolveMillis(cfg.TimeoutMinutes)},
		cfg:  cfg,
		deps: deps,
	}
}

func (s *EnvLoop) ValidateFields() error { return validateConfig(s.name, &s.cfg) }

func (s *EnvLoop) bind(g *Graph) error {
	if s.cfg.LoopedStateName == s.name {
		return schema.NewError(schema.ErrCodeCycleDetected, "env loop references itself").WithState(s.name)
	}
	t, err := target(g, s.name, s.cfg.LoopedStateName)
	s.targetType = t
	return err
}

func (s *EnvLoop) references() []string { return []string{s.cfg.LoopedStateName} }

func (s *EnvLoop) values(ctx context.Context, ec execution.Context) ([]any, error) {
	if len(s.cfg.LoopedValues) > 0 {
		out := make([]any, len(s.cfg.LoopedValues))
		for i, v := range s.cfg.LoopedValues {
			out[i] = v
		}
		return out, nil
	}
	return ec.EvaluateList(ctx, s.cfg.LoopedValuesExpression)
}

func (s *EnvLoop) Execute(ctx context.Context, ec execution.Context) (*execution.Response, error) {
	values, err := s.values(ctx, ec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "evaluate looped values: %v", err).
			WithState(s.name).WithCause(err)
	}
	if len(values) == 0 {
		return execution.Skipped("no environments to loop over"), nil
	}

	parent := ec.Instance()
	children := make([]*execution.Instance, len(values))
	for i, v := range values {
		display := fmt.Sprintf("%s_%v", s.cfg.LoopedStateName, v)
		children[i] = parent.Clone(display).
			ForState(s.cfg.LoopedStateName, s.targetType).
			WithLoopedParams(&execution.LoopedStateParams{
				StepName: display,
				Params:   map[string]any{s.cfg.LoopedVarName: v},
			})
	}
	return execution.AwaitChildren(children...), nil
}

func (s *EnvLoop) HandleAsyncResponse(ctx context.Context, ec execution.Context, results map[string]execution.Result) (*execution.Response, error) {
	return s.deps.aggregateResults(ctx, ec, results), nil
}

// --- Artifact collect loop ---

// ArtifactInput identifies one build of an artifact stream.
type ArtifactInput struct {
	StreamID string `json:"streamId" validate:"required"`
	BuildNo  string `json:"buildNo" validate:"required"`
}

// ArtifactCollectLoopConfig lists the artifacts to collect.
type ArtifactCollectLoopConfig struct {
	ArtifactInputs []ArtifactInput `json:"artifactInputs" validate:"required,min=1,dive"`
	TimeoutMinutes *int            `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// ArtifactCollectLoop runs one ARTIFACT_COLLECTION child per input. Child i
// is named <loop>_<i+1> and carries params {streamId, buildNo}.
type ArtifactCollectLoop struct {
	base
	cfg  ArtifactCollectLoopConfig
	deps *Deps
}

// NewArtifactCollectLoop builds an ArtifactCollectLoop state.
func NewArtifactCollectLoop(name string, cfg ArtifactCollectLoopConfig, deps *Deps) *ArtifactCollectLoop {
	return &ArtifactCollectLoop{
		base: base{name: name, stateType: schema.StateTypeArtifactCollectLoop, timeout: timeout.ResolveMillis(cfg.TimeoutMinutes)},
		cfg:  cfg,
		deps: deps,
	}
}

func (s *ArtifactCollectLoop) ValidateFields() error { return validateConfig(s.name, &s.cfg) }

func (s *ArtifactCollectLoop) Execute(_ context.Context, ec execution.Context) (*execution.Response, error) {
	parent := ec.Instance()
	children := make([]*execution.Instance, len(s.cfg.ArtifactInputs))
	for i, in := range s.cfg.ArtifactInputs {
		step := fmt.Sprintf("%s_%d", s.name, i+1)
		children[i] = parent.Clone(step).
			ForState(s.name, schema.StateTypeArtifactCollection).
			WithLoopedParams(&execution.LoopedStateParams{
				StepName: step,
				Params:   map[string]any{"streamId": in.StreamID, "buildNo": in.BuildNo},
			})
	}
	return execution.AwaitChildren(children...), nil
}

func (s *ArtifactCollectLoop) HandleAsyncResponse(ctx context.Context, ec execution.Context, results map[string]execution.Result) (*execution.Response, error) {
	return s.deps.aggregateResults(ctx, ec, results), nil
}

// ChildState builds the collection state a child runs; it reads the artifact
// from the child's params.
func (s *ArtifactCollectLoop) ChildState(child *execution.Instance) (State, bool) {
	if child.StateType != schema.StateTypeArtifactCollection {
		return nil, false
	}
	return NewArtifactCollection(child.DisplayName, ArtifactCollectionConfig{
		StreamID:       "${{ params.streamId }}",
		BuildNo:        "${{ params.buildNo }}",
		TimeoutMinutes: s.cfg.TimeoutMinutes,
	}, s.deps), true
}

var (
	_ AsyncState    = (*Fork)(nil)
	_ AsyncState    = (*Repeat)(nil)
	_ AsyncState    = (*EnvLoop)(nil)
	_ AsyncState    = (*ArtifactCollectLoop)(nil)
	_ ChildResolver = (*ArtifactCollectLoop)(nil)
)
