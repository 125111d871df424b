package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/cdflow/pkg/schema"
)

// WorkflowExecution is one run of a workflow graph. The definition is stored
// with the run so waiting executions can be resumed after a restart.
type WorkflowExecution struct {
	ID                  string                    `json:"id"`
	WorkflowID          string                    `json:"workflow_id"`
	AppID               string                    `json:"app_id"`
	AccountID           string                    `json:"account_id"`
	PipelineExecutionID string                    `json:"pipeline_execution_id,omitempty"`
	Definition          schema.WorkflowDefinition `json:"definition"`
	Status              schema.ExecutionStatus    `json:"status"`
	ContextParams       map[string]string         `json:"context_params,omitempty"`
	CurrentInstanceID   string                    `json:"current_instance_id,omitempty"`
	ErrorMessage        string                    `json:"error_message,omitempty"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
	EndedAt             *time.Time                `json:"ended_at,omitempty"`
}

// WorkflowExecutionUpdate holds the mutable fields of a WorkflowExecution.
// Nil fields are left unchanged.
type WorkflowExecutionUpdate struct {
	Status            *schema.ExecutionStatus
	CurrentInstanceID *string
	ErrorMessage      *string
	EndedAt           *time.Time
}

// WorkflowExecutionFilter narrows ListWorkflowExecutions.
type WorkflowExecutionFilter struct {
	Statuses  []schema.ExecutionStatus
	AccountID string
	Limit     int
	Offset    int
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID                  int64           `json:"id"`
	WorkflowExecutionID string          `json:"workflow_execution_id"`
	StateExecutionID    string          `json:"state_execution_id,omitempty"`
	Type                string          `json:"event_type"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	Sequence            int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	WorkflowExecutionID string
	StateExecutionID    string
	Since               *time.Time
	Limit               int
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	WorkflowExecutionID string
	ParentInstanceID    string
	Statuses            []schema.ExecutionStatus
	// ExpiresBefore selects instances whose expires_at is set and earlier.
	ExpiresBefore *time.Time
	Limit         int
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status           string
	Type             string
	StateExecutionID string
	Limit            int
}
