// Package outputs manages sweeping outputs: values a stage publishes for
// later stages of the same pipeline. Resume states copy them from a previous
// pipeline execution and replay that execution's result.
package outputs

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/pkg/schema"
)

// Output is one named value published by a state execution.
type Output struct {
	ID                  string         `json:"id"`
	AppID               string         `json:"app_id"`
	PipelineExecutionID string         `json:"pipeline_execution_id"`
	StateExecutionID    string         `json:"state_execution_id"`
	WorkflowExecutionID string         `json:"workflow_execution_id,omitempty"`
	Name                string         `json:"name"`
	Value               map[string]any `json:"value,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Filter selects outputs of one pipeline execution. An output matches when
// its state execution id is in StateExecutionIDs or its workflow execution id
// is in WorkflowExecutionIDs.
type Filter struct {
	AppID                string
	PipelineExecutionID  string
	StateExecutionIDs    []string
	WorkflowExecutionIDs []string
}

// Repository persists outputs. SaveOutput replaces an existing output with the
// same (pipeline execution, state execution, name).
type Repository interface {
	ListOutputs(ctx context.Context, filter Filter) ([]*Output, error)
	SaveOutput(ctx context.Context, o *Output) error
}

// InstanceReader loads state execution instances. A missing instance is an
// error carrying schema.ErrCodeNotFound.
type InstanceReader interface {
	GetInstance(ctx context.Context, id string) (*execution.Instance, error)
}

// Store is what resume states need.
type Store interface {
	CopyStageOutputs(ctx context.Context, appID, prevPipelineExecID, prevStateExecID string,
		prevWorkflowExecIDs []string, currPipelineExecID, currStateExecID string) error
	PrepareExecutionResponse(ctx context.Context, ec execution.Context, prevStateExecID string) (*execution.Response, error)
}

// Service implements Store over a Repository.
type Service struct {
	repo      Repository
	instances InstanceReader
	now       func() time.Time
}

// NewService creates a Service.
func NewService(repo Repository, instances InstanceReader) *Service {
	return &Service{repo: repo, instances: instances, now: time.Now}
}

// CopyStageOutputs copies every output the previous state execution (or any
// of the previous workflow executions) published into the current pipeline
// execution under the current state execution id. Copying twice is harmless.
func (s *Service) CopyStageOutputs(ctx context.Context, appID, prevPipelineExecID, prevStateExecID string,
	prevWorkflowExecIDs []string, currPipelineExecID, currStateExecID string) error {
	if prevPipelineExecID == "" || prevStateExecID == "" {
		return schema.InvalidRequest("previous pipeline and state execution ids are required")
	}
	if currPipelineExecID == "" || currStateExecID == "" {
		return schema.InvalidRequest("current pipeline and state execution ids are required")
	}

	prev, err := s.repo.ListOutputs(ctx, Filter{
		AppID:                appID,
		PipelineExecutionID:  prevPipelineExecID,
		StateExecutionIDs:    []string{prevStateExecID},
		WorkflowExecutionIDs: prevWorkflowExecIDs,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "list previous outputs").WithCause(err)
	}

	// Oldest first so that a later output with the same name wins.
	slices.SortStableFunc(prev, func(a, b *Output) int { return a.CreatedAt.Compare(b.CreatedAt) })
	for _, o := range prev {
		cp := &Output{
			ID:                  uuid.NewString(),
			AppID:               o.AppID,
			PipelineExecutionID: currPipelineExecID,
			StateExecutionID:    currStateExecID,
			WorkflowExecutionID: o.WorkflowExecutionID,
			Name:                o.Name,
			Value:               o.Value,
			CreatedAt:           s.now().UTC(),
		}
		if err := s.repo.SaveOutput(ctx, cp); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "copy output %s", o.Name).WithCause(err)
		}
	}
	return nil
}

// PrepareExecutionResponse replays the result of the previous state execution
// as a synchronous response for the resumed one.
func (s *Service) PrepareExecutionResponse(ctx context.Context, ec execution.Context, prevStateExecID string) (*execution.Response, error) {
	prev, err := s.instances.GetInstance(ctx, prevStateExecID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, schema.NullReference("state execution", prevStateExecID).WithCause(err)
		}
		return nil, err
	}
	if prev == nil {
		return nil, schema.NullReference("state execution", prevStateExecID)
	}
	if !prev.Status.IsFinal() {
		return nil, schema.InvalidRequest("previous state execution %s is %s, not finished", prevStateExecID, prev.Status)
	}

	resp := execution.Complete(prev.Status, prev.ErrorMessage)
	if data := prev.ExecutionData[prev.StateName]; data != nil {
		resp.WithStateData(data)
	}
	if prev.Status == schema.StatusSkipped {
		resp.Skip = &execution.SkipData{Reason: prev.ErrorMessage}
	}
	return resp, nil
}

// Publish records an output for the state execution behind ec.
func (s *Service) Publish(ctx context.Context, ec execution.Context, name string, value map[string]any) error {
	if name == "" {
		return schema.InvalidRequest("output name is required")
	}
	inst := ec.Instance()
	return s.repo.SaveOutput(ctx, &Output{
		ID:                  uuid.NewString(),
		AppID:               ec.AppID(),
		PipelineExecutionID: ec.PipelineExecutionID(),
		StateExecutionID:    inst.ID,
		WorkflowExecutionID: ec.WorkflowExecutionID(),
		Name:                name,
		Value:               value,
		CreatedAt:           s.now().UTC(),
	})
}

var _ Store = (*Service)(nil)
