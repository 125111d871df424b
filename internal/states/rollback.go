package states

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/timeout"
	"github.com/rendis/cdflow/pkg/schema"
)

// Helm rollback timeouts are clamped into this band (minutes).
const (
	HelmMinTimeoutMinutes     = 1
	HelmMaxTimeoutMinutes     = 24 * 60
	HelmDefaultTimeoutMinutes = 10
)

// rollback is a delegated state whose forward operation is single-shot per
// workflow execution. A repeated trigger is skipped, not failed.
type rollback struct {
	delegated
}

// dedupKey identifies the forward operation of this state within the run.
func (s *rollback) dedupKey(ec execution.Context) string {
	return fmt.Sprintf("%s/%s/%s", s.stateType, ec.WorkflowExecutionID(), s.name)
}

func (s *rollback) Execute(ctx context.Context, ec execution.Context) (*execution.Response, error) {
	id, err := s.submit(ctx, ec, s.dedupKey(ec))
	if err != nil {
		if errors.Is(err, schema.ErrDeploymentExists) {
			s.deps.logger().InfoContext(ctx, "rollback already triggered, skipping",
				"state", s.name, "error", err)
			return execution.Skipped(err.Error()), nil
		}
		if schema.IsFatal(err) {
			return nil, err
		}
		return nil, schema.InvalidRequest("rollback %s failed to start: %v", s.name, err).
			WithState(s.name).WithCause(err)
	}
	return execution.AwaitCallbacks(id).WithStateData(map[string]any{"taskId": id}), nil
}

// AwsAmiRollbackSwitchRoutesConfig restores the previous auto scaling group
// behind the load balancers.
type AwsAmiRollbackSwitchRoutesConfig struct {
	DownsizeOldAsg bool `json:"downsizeOldAsg,omitempty"`
	TimeoutMinutes *int `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// AwsAmiRollbackSwitchRoutes switches traffic back to the old AMI.
type AwsAmiRollbackSwitchRoutes struct {
	rollback
	cfg AwsAmiRollbackSwitchRoutesConfig
}

// NewAwsAmiRollbackSwitchRoutes builds the state.
func NewAwsAmiRollbackSwitchRoutes(name string, cfg AwsAmiRollbackSwitchRoutesConfig, deps *Deps) *AwsAmiRollbackSwitchRoutes {
	s := &AwsAmiRollbackSwitchRoutes{cfg: cfg}
	s.delegated = newDelegated(name, schema.StateTypeAwsAmiRollbackSwitchRoutes, TaskAwsAmiSwitchRoutes,
		cfg.TimeoutMinutes, deps, &s.cfg,
		func() map[string]any {
			return map[string]any{"downsizeOldAsg": s.cfg.DownsizeOldAsg}
		})
	return s
}

// EcsBGRollbackRoute53DNSWeightConfig restores Route53 weights of an ECS
// blue/green deployment.
type EcsBGRollbackRoute53DNSWeightConfig struct {
	ServiceName      string `json:"serviceName" validate:"required"`
	RecordName       string `json:"recordName" validate:"required"`
	OldServiceWeight int    `json:"oldServiceWeight" validate:"min=0,max=100"`
	DownsizeOld      bool   `json:"downsizeOldService,omitempty"`
	TimeoutMinutes   *int   `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// EcsBGRollbackRoute53DNSWeight shifts DNS weight back to the old service.
type EcsBGRollbackRoute53DNSWeight struct {
	rollback
	cfg EcsBGRollbackRoute53DNSWeightConfig
}

// NewEcsBGRollbackRoute53DNSWeight builds the state.
func NewEcsBGRollbackRoute53DNSWeight(name string, cfg EcsBGRollbackRoute53DNSWeightConfig, deps *Deps) *EcsBGRollbackRoute53DNSWeight {
	s := &EcsBGRollbackRoute53DNSWeight{cfg: cfg}
	s.delegated = newDelegated(name, schema.StateTypeEcsBGRollbackRoute53DNSWeight, TaskEcsBGRoute53DNSWeight,
		cfg.TimeoutMinutes, deps, &s.cfg,
		func() map[string]any {
			return map[string]any{
				"serviceName":        s.cfg.ServiceName,
				"recordName":         s.cfg.RecordName,
				"oldServiceWeight":   s.cfg.OldServiceWeight,
				"downsizeOldService": s.cfg.DownsizeOld,
			}
		})
	return s
}

// EnvRollbackConfig rolls an environment back to its previous deployment.
type EnvRollbackConfig struct {
	WorkflowID     string `json:"workflowId" validate:"required"`
	EnvID          string `json:"envId,omitempty"`
	TimeoutMinutes *int   `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// EnvRollback triggers a rollback workflow for one environment.
type EnvRollback struct {
	rollback
	cfg EnvRollbackConfig
}

// NewEnvRollback builds the state. An empty EnvID defaults to the loop
// parameter envId.
func NewEnvRollback(name string, cfg EnvRollbackConfig, deps *Deps) *EnvRollback {
	if cfg.EnvID == "" {
		cfg.EnvID = "${{ params." + DefaultLoopVariable + " }}"
	}
	s := &EnvRollback{cfg: cfg}
	s.delegated = newDelegated(name, schema.StateTypeEnvRollbackState, TaskEnvRollback, cfg.TimeoutMinutes, deps, &s.cfg,
		func() map[string]any {
			return map[string]any{"workflowId": s.cfg.WorkflowID, "envId": s.cfg.EnvID}
		})
	return s
}

// HelmRollbackConfig rolls a Helm release back to a revision (the previous one
// when Revision is nil).
type HelmRollbackConfig struct {
	ReleaseName    string `json:"releaseName" validate:"required"`
	Namespace      string `json:"namespace,omitempty"`
	Revision       *int   `json:"revision,omitempty" validate:"omitempty,min=1"`
	TimeoutMinutes *int   `json:"timeoutMinutes,omitempty"`
}

// HelmRollback runs helm rollback through a delegate.
type HelmRollback struct {
	rollback
	cfg HelmRollbackConfig
}

// NewHelmRollback builds the state. The timeout is clamped into
// [HelmMinTimeoutMinutes, HelmMaxTimeoutMinutes] and defaults to
// HelmDefaultTimeoutMinutes.
func NewHelmRollback(name string, cfg HelmRollbackConfig, deps *Deps) *HelmRollback {
	s := &HelmRollback{cfg: cfg}
	s.delegated = newDelegated(name, schema.StateTypeHelmRollback, TaskHelmRollback, nil, deps, &s.cfg,
		func() map[string]any {
			p := withoutEmpty(map[string]any{
				"releaseName": s.cfg.ReleaseName,
				"namespace":   s.cfg.Namespace,
			})
			if s.cfg.Revision != nil {
				p["revision"] = *s.cfg.Revision
			}
			return p
		})
	minutes := cfg.TimeoutMinutes
	if minutes == nil || *minutes <= 0 {
		minutes = timeout.Minutes(HelmDefaultTimeoutMinutes)
	}
	s.timeout = timeout.ResolveMillisClamped(minutes, HelmMinTimeoutMinutes, HelmMaxTimeoutMinutes)
	return s
}

var (
	_ AsyncState = (*AwsAmiRollbackSwitchRoutes)(nil)
	_ AsyncState = (*EcsBGRollbackRoute53DNSWeight)(nil)
	_ AsyncState = (*EnvRollback)(nil)
	_ AsyncState = (*HelmRollback)(nil)
)
