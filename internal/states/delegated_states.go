package states

import (
	"github.com/rendis/cdflow/pkg/schema"
)

// EnvStateConfig triggers a workflow for one environment. It is usually the
// looped state of an env loop, with EnvID read from the loop params.
type EnvStateConfig struct {
	WorkflowID     string         `json:"workflowId" validate:"required"`
	EnvID          string         `json:"envId,omitempty"`
	PipelineID     string         `json:"pipelineId,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	TimeoutMinutes *int           `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// EnvState dispatches a "trigger workflow" task and completes with its result.
type EnvState struct {
	delegated
	cfg EnvStateConfig
}

// NewEnvState builds an EnvState. An empty EnvID defaults to the loop
// parameter envId.
func NewEnvState(name string, cfg EnvStateConfig, deps *Deps) *EnvState {
	if cfg.EnvID == "" {
		cfg.EnvID = "${{ params." + DefaultLoopVariable + " }}"
	}
	s := &EnvState{cfg: cfg}
	s.delegated = newDelegated(name, schema.StateTypeEnvState, TaskTriggerWorkflow, cfg.TimeoutMinutes, deps, &s.cfg,
		func() map[string]any {
			return withoutEmpty(map[string]any{
				"workflowId": s.cfg.WorkflowID,
				"envId":      s.cfg.EnvID,
				"pipelineId": s.cfg.PipelineID,
				"variables":  mapOrNil(s.cfg.Variables),
			})
		})
	return s
}

// ArtifactCollectionConfig collects one build of an artifact stream.
type ArtifactCollectionConfig struct {
	StreamID       string `json:"streamId" validate:"required"`
	BuildNo        string `json:"buildNo" validate:"required"`
	TimeoutMinutes *int   `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// ArtifactCollection dispatches an artifact collection task.
type ArtifactCollection struct {
	delegated
	cfg ArtifactCollectionConfig
}

// NewArtifactCollection builds an ArtifactCollection state.
func NewArtifactCollection(name string, cfg ArtifactCollectionConfig, deps *Deps) *ArtifactCollection {
	s := &ArtifactCollection{cfg: cfg}
	s.delegated = newDelegated(name, schema.StateTypeArtifactCollection, TaskArtifactCollection, cfg.TimeoutMinutes, deps, &s.cfg,
		func() map[string]any {
			return map[string]any{"streamId": s.cfg.StreamID, "buildNo": s.cfg.BuildNo}
		})
	return s
}

// VerificationConfig runs a log or metrics analysis over a deployment window.
type VerificationConfig struct {
	Provider        string   `json:"provider" validate:"required"`
	Query           string   `json:"query" validate:"required"`
	DurationMinutes int      `json:"durationMinutes" validate:"min=1"`
	Threshold       *float64 `json:"threshold,omitempty"`
	FailFast        bool     `json:"failFast,omitempty"`
	TimeoutMinutes  *int     `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// Verification dispatches an analysis task. The delegate reports FAILED when
// the analysis crosses the threshold.
type Verification struct {
	delegated
	cfg VerificationConfig
}

// NewVerification builds a Verification state.
func NewVerification(name string, cfg VerificationConfig, deps *Deps) *Verification {
	s := &Verification{cfg: cfg}
	s.delegated = newDelegated(name, schema.StateTypeVerification, TaskVerification, cfg.TimeoutMinutes, deps, &s.cfg,
		func() map[string]any {
			p := map[string]any{
				"provider":        s.cfg.Provider,
				"query":           s.cfg.Query,
				"durationMinutes": s.cfg.DurationMinutes,
				"failFast":        s.cfg.FailFast,
			}
			if s.cfg.Threshold != nil {
				p["threshold"] = *s.cfg.Threshold
			}
			return p
		})
	return s
}

// K8sSwapServiceSelectorsConfig names the two services whose selectors are
// swapped in a blue/green switch.
type K8sSwapServiceSelectorsConfig struct {
	Service1       string `json:"service1" validate:"required"`
	Service2       string `json:"service2" validate:"required,nefield=Service1"`
	Namespace      string `json:"namespace,omitempty"`
	TimeoutMinutes *int   `json:"timeoutMinutes,omitempty" validate:"omitempty,min=1"`
}

// K8sSwapServiceSelectors dispatches a selector swap task.
type K8sSwapServiceSelectors struct {
	delegated
	cfg K8sSwapServiceSelectorsConfig
}

// NewK8sSwapServiceSelectors builds a K8sSwapServiceSelectors state.
func NewK8sSwapServiceSelectors(name string, cfg K8sSwapServiceSelectorsConfig, deps *Deps) *K8sSwapServiceSelectors {
	s := &K8sSwapServiceSelectors{cfg: cfg}
	s.delegated = newDelegated(name, schema.StateTypeK8sSwapServiceSelectors, TaskK8sSwapServiceSelectors,
		cfg.TimeoutMinutes, deps, &s.cfg,
		func() map[string]any {
			return withoutEmpty(map[string]any{
				"service1":  s.cfg.Service1,
				"service2":  s.cfg.Service2,
				"namespace": s.cfg.Namespace,
			})
		})
	return s
}

func mapOrNil(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

var (
	_ AsyncState = (*EnvState)(nil)
	_ AsyncState = (*ArtifactCollection)(nil)
	_ AsyncState = (*Verification)(nil)
	_ AsyncState = (*K8sSwapServiceSelectors)(nil)
)
