package states

import (
	"context"
	"errors"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/internal/timeout"
	"github.com/rendis/cdflow/pkg/schema"
)

// ResourceConstraintConfig acquires (or releases) permits on a constraint.
type ResourceConstraintConfig struct {
	ConstraintID   string              `json:"resourceConstraintId" validate:"required"`
	ResourceUnit   string              `json:"resourceUnit,omitempty"`
	HoldingScope   schema.HoldingScope `json:"holdingScope" validate:"required,oneof=WORKFLOW PHASE PIPELINE"`
	AcquireMode    schema.AcquireMode  `json:"acquireMode,omitempty" validate:"omitempty,oneof=ACCUMULATE ENSURE"`
	Permits        int                 `json:"permits" validate:"gte=0"`
	Release        bool                `json:"release,omitempty"`
	TimeoutMinutes *int                `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// ResourceConstraint gates the workflow on a shared capacity. Granted permits
// complete the state; queued permits wait until a release activates them.
// With Release set the state instead releases what its holder owns and wakes
// queued holders.
type ResourceConstraint struct {
	base
	cfg  ResourceConstraintConfig
	deps *Deps
	// Notify delivers activated permit ids as callbacks after a release.
	Notify func(ctx context.Context, permitIDs []string)
}

// NewResourceConstraint builds a ResourceConstraint state. The acquire mode
// defaults to ACCUMULATE.
func NewResourceConstraint(name string, cfg ResourceConstraintConfig, deps *Deps) *ResourceConstraint {
	if cfg.AcquireMode == "" {
		cfg.AcquireMode = schema.AcquireAccumulate
	}
	return &ResourceConstraint{
		base: base{name: name, stateType: schema.StateTypeResourceConstraint, timeout: timeout.ResolveMillis(cfg.TimeoutMinutes)},
		cfg:  cfg,
		deps: deps,
	}
}

func (s *ResourceConstraint) ValidateFields() error {
	if err := validateConfig(s.name, &s.cfg); err != nil {
		return err
	}
	if !s.cfg.Release && s.cfg.Permits < 1 {
		return schema.NewError(schema.ErrCodeValidation, "permits must be at least 1").WithState(s.name)
	}
	return nil
}

func (s *ResourceConstraint) Execute(ctx context.Context, ec execution.Context) (*execution.Response, error) {
	if s.deps.Gate == nil {
		return nil, missingDep(s.name, "permit gate")
	}
	if s.cfg.Release {
		return s.release(ctx, ec)
	}

	acq, err := s.deps.Gate.Acquire(ctx, permits.Request{
		ConstraintID: s.cfg.ConstraintID,
		ResourceUnit: s.cfg.ResourceUnit,
		Scope:        s.cfg.HoldingScope,
		Mode:         s.cfg.AcquireMode,
		Permits:      s.cfg.Permits,
	}, ec)
	if err != nil {
		var e *schema.Error
		if errors.As(err, &e) && e.StateName == "" {
			e.WithState(s.name)
		}
		return nil, err
	}
	s.deps.Metrics.RecordPermitDecision(string(acq.Decision))

	data := map[string]any{
		"decision":  string(acq.Decision),
		"requested": acq.Requested,
		"already":   acq.Already,
		"capacity":  acq.Capacity,
	}
	if acq.PermitID != "" {
		data["permitId"] = acq.PermitID
	}

	switch acq.Decision {
	case permits.DecisionQueue:
		s.deps.logger().InfoContext(ctx, "resource constraint busy, queued",
			"state", s.name, "permit_id", acq.PermitID, "requested", acq.Requested)
		return execution.AwaitCallbacks(acq.PermitID).WithStateData(data), nil
	default:
		return execution.Succeeded().WithStateData(data), nil
	}
}

func (s *ResourceConstraint) release(ctx context.Context, ec execution.Context) (*execution.Response, error) {
	activated, err := s.deps.Gate.ReleaseFor(ctx, s.cfg.HoldingScope, ec)
	if err != nil {
		return nil, err
	}
	if len(activated) > 0 && s.Notify != nil {
		s.Notify(ctx, activated)
	}
	return execution.Succeeded().WithStateData(map[string]any{"activated": len(activated)}), nil
}

// HandleAsyncResponse completes once the queued permit was activated.
func (s *ResourceConstraint) HandleAsyncResponse(ctx context.Context, ec execution.Context, results map[string]execution.Result) (*execution.Response, error) {
	return s.deps.passThrough(ctx, ec, results), nil
}

var _ AsyncState = (*ResourceConstraint)(nil)
