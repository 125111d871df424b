package states

import (
	"context"
	"time"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/timeout"
	"github.com/rendis/cdflow/pkg/schema"
)

// DefaultEnvTimeout applies to resume states configured without a timeout.
const DefaultEnvTimeout = 7 * 24 * time.Hour

// ResumeConfig points at the execution being resumed. Values may be
// ${{ }} templates.
type ResumeConfig struct {
	PrevPipelineExecutionID  string   `json:"prevPipelineExecutionId" validate:"required"`
	PrevStateExecutionID     string   `json:"prevStateExecutionId" validate:"required"`
	PrevWorkflowExecutionIDs []string `json:"prevWorkflowExecutionIds,omitempty" validate:"omitempty,dive,required"`
	TimeoutMinutes           *int     `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// resume copies the previous execution's sweeping outputs into the current
// pipeline execution and replays the previous state's result.
type resume struct {
	base
	cfg  ResumeConfig
	deps *Deps
}

func newResume(name string, stateType schema.StateType, cfg ResumeConfig, deps *Deps) resume {
	ms := timeout.ResolveMillis(cfg.TimeoutMinutes)
	if ms == nil {
		def := DefaultEnvTimeout.Milliseconds()
		ms = &def
	}
	return resume{base: base{name: name, stateType: stateType, timeout: ms}, cfg: cfg, deps: deps}
}

func (s *resume) ValidateFields() error { return validateConfig(s.name, &s.cfg) }

func (s *resume) Execute(ctx context.Context, ec execution.Context) (*execution.Response, error) {
	if s.deps.Outputs == nil {
		return nil, missingDep(s.name, "pipeline output store")
	}
	ids, err := s.deps.render(ctx, ec, map[string]any{
		"pipeline": s.cfg.PrevPipelineExecutionID,
		"state":    s.cfg.PrevStateExecutionID,
	})
	if err != nil {
		return nil, err
	}
	prevPipeline, _ := ids["pipeline"].(string)
	prevState, _ := ids["state"].(string)

	err = s.deps.Outputs.CopyStageOutputs(ctx, ec.AppID(), prevPipeline, prevState, s.cfg.PrevWorkflowExecutionIDs,
		ec.PipelineExecutionID(), ec.Instance().ID)
	if err != nil {
		return nil, err
	}
	return s.deps.Outputs.PrepareExecutionResponse(ctx, ec, prevState)
}

// EnvResume resumes a single environment state of a previous pipeline run.
type EnvResume struct{ resume }

// NewEnvResume builds an EnvResume state.
func NewEnvResume(name string, cfg ResumeConfig, deps *Deps) *EnvResume {
	return &EnvResume{newResume(name, schema.StateTypeEnvResumeState, cfg, deps)}
}

// EnvLoopResume resumes an env loop of a previous pipeline run; outputs of
// every looped workflow execution are carried over.
type EnvLoopResume struct{ resume }

// NewEnvLoopResume builds an EnvLoopResume state.
func NewEnvLoopResume(name string, cfg ResumeConfig, deps *Deps) *EnvLoopResume {
	return &EnvLoopResume{newResume(name, schema.StateTypeEnvLoopResumeState, cfg, deps)}
}

var (
	_ State = (*EnvResume)(nil)
	_ State = (*EnvLoopResume)(nil)
)
