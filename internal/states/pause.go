package states

import (
	"context"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/timeout"
	"github.com/rendis/cdflow/pkg/schema"
)

// PauseConfig describes a manual approval.
type PauseConfig struct {
	Message        string   `json:"message,omitempty"`
	Approvers      []string `json:"approvers,omitempty" validate:"omitempty,unique,dive,required"`
	TimeoutMinutes *int     `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// Pause waits for an approval decision. Approval completes with SUCCESS,
// rejection with REJECTED; an approval that times out is EXPIRED.
type Pause struct {
	base
	cfg  PauseConfig
	deps *Deps
}

// NewPause builds a Pause state.
func NewPause(name string, cfg PauseConfig, deps *Deps) *Pause {
	return &Pause{
		base: base{name: name, stateType: schema.StateTypePause, timeout: timeout.ResolveMillis(cfg.TimeoutMinutes)},
		cfg:  cfg,
		deps: deps,
	}
}

func (s *Pause) ValidateFields() error { return validateConfig(s.name, &s.cfg) }

func (s *Pause) Execute(ctx context.Context, ec execution.Context) (*execution.Response, error) {
	if s.deps.Approvals == nil {
		return nil, missingDep(s.name, "approval service")
	}
	msg := s.cfg.Message
	if s.deps.Renderer != nil && msg != "" {
		rendered, err := s.deps.Renderer.Render(ctx, msg, ec.Data())
		if err != nil {
			return nil, err
		}
		if str, ok := rendered.(string); ok {
			msg = str
		}
	}
	a, err := s.deps.Approvals.Request(ctx, ec, msg, s.cfg.Approvers)
	if err != nil {
		return nil, err
	}
	return execution.AwaitCallbacks(a.ID).
		WithStatus(schema.StatusPaused).
		WithStateData(map[string]any{"approvalId": a.ID}), nil
}

func (s *Pause) HandleAsyncResponse(ctx context.Context, ec execution.Context, results map[string]execution.Result) (*execution.Response, error) {
	return s.deps.passThrough(ctx, ec, results), nil
}

var _ AsyncState = (*Pause)(nil)
