// Package execution holds the per-run records a state works with: the state
// execution instance, the execution context built around it, and the response
// contract a state returns.
package execution

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cdflow/pkg/schema"
)

// ContextParamPhaseName is the context parameter holding the current phase.
const ContextParamPhaseName = "phaseName"

// LoopedStateParams describes the element a fan-out child was created for.
type LoopedStateParams struct {
	StepName string         `json:"stepName"`
	Index    *int           `json:"index,omitempty"` // set for serial repeat children only
	Params   map[string]any `json:"params,omitempty"`
}

// Instance is the run record of one graph node occurrence.
type Instance struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"display_name"`
	StateName   string           `json:"state_name"`
	StateType   schema.StateType `json:"state_type"`

	AppID               string `json:"app_id"`
	AccountID           string `json:"account_id"`
	WorkflowID          string `json:"workflow_id"`
	WorkflowExecutionID string `json:"workflow_execution_id"`
	PipelineExecutionID string `json:"pipeline_execution_id,omitempty"`

	// ParentInstanceID is a back-reference to the fan-out parent, not ownership.
	ParentInstanceID  string             `json:"parent_instance_id,omitempty"`
	ParentLoopedState bool               `json:"parent_looped_state"`
	LoopedStateParams *LoopedStateParams `json:"looped_state_params,omitempty"`

	Status schema.ExecutionStatus `json:"status"`
	// ExecutionData holds recorded outputs keyed by state or stage name.
	ExecutionData map[string]map[string]any `json:"execution_data,omitempty"`
	ContextParams map[string]string         `json:"context_params,omitempty"`
	// CorrelationIDs lists the ids the instance is waiting on while WAITING.
	CorrelationIDs []string `json:"correlation_ids,omitempty"`

	TimeoutMillis *int64     `json:"timeout_millis,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// NewInstance creates a top-level instance for the named state.
func NewInstance(stateName string, stateType schema.StateType) *Instance {
	return &Instance{
		ID:          uuid.NewString(),
		DisplayName: stateName,
		StateName:   stateName,
		StateType:   stateType,
		Status:      schema.StatusNew,
		CreatedAt:   time.Now().UTC(),
	}
}

// Clone produces a fan-out child of inst. The child gets a fresh id, status
// NEW and ParentLoopedState=true; identifying fields, recorded execution data
// and context params are copied. The caller sets LoopedStateParams.
func (inst *Instance) Clone(displayName string) *Instance {
	child := &Instance{
		ID:                  uuid.NewString(),
		DisplayName:         displayName,
		StateName:           inst.StateName,
		StateType:           inst.StateType,
		AppID:               inst.AppID,
		AccountID:           inst.AccountID,
		WorkflowID:          inst.WorkflowID,
		WorkflowExecutionID: inst.WorkflowExecutionID,
		PipelineExecutionID: inst.PipelineExecutionID,
		ParentInstanceID:    inst.ID,
		ParentLoopedState:   true,
		Status:              schema.StatusNew,
		ContextParams:       maps.Clone(inst.ContextParams),
		CreatedAt:           time.Now().UTC(),
	}
	if inst.ExecutionData != nil {
		child.ExecutionData = make(map[string]map[string]any, len(inst.ExecutionData))
		for k, v := range inst.ExecutionData {
			child.ExecutionData[k] = maps.Clone(v)
		}
	}
	return child
}

// ForState retargets a cloned child at another state (fork, env loop).
func (inst *Instance) ForState(name string, stateType schema.StateType) *Instance {
	inst.StateName = name
	inst.StateType = stateType
	return inst
}

// WithLoopedParams sets the looped-state params and returns inst.
func (inst *Instance) WithLoopedParams(p *LoopedStateParams) *Instance {
	inst.LoopedStateParams = p
	return inst
}

// ContextParam returns a context parameter.
func (inst *Instance) ContextParam(key string) (string, bool) {
	v, ok := inst.ContextParams[key]
	return v, ok
}

// SetStateData records output for a state name.
func (inst *Instance) SetStateData(stateName string, data map[string]any) {
	if data == nil {
		return
	}
	if inst.ExecutionData == nil {
		inst.ExecutionData = make(map[string]map[string]any)
	}
	inst.ExecutionData[stateName] = data
}
