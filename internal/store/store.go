package store

import (
	"context"
	"time"

	"github.com/rendis/cdflow/internal/approval"
	"github.com/rendis/cdflow/internal/delegate"
	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/flags"
	"github.com/rendis/cdflow/internal/outputs"
	"github.com/rendis/cdflow/internal/permits"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow executions
	CreateWorkflowExecution(ctx context.Context, wfe *WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateWorkflowExecution(ctx context.Context, id string, update WorkflowExecutionUpdate) error
	ListWorkflowExecutions(ctx context.Context, filter WorkflowExecutionFilter) ([]*WorkflowExecution, error)

	// State execution instances
	SaveInstance(ctx context.Context, inst *execution.Instance) error
	GetInstance(ctx context.Context, id string) (*execution.Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*execution.Instance, error)

	// Results received by waiting instances
	SaveAwaitedResult(ctx context.Context, instanceID, correlationID string, result execution.Result) (bool, error)
	AwaitedResults(ctx context.Context, instanceID string) (map[string]execution.Result, error)
	DeleteAwaitedResults(ctx context.Context, instanceID string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowExecutionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Resource constraints
	permits.Store
	CreateConstraint(ctx context.Context, c *permits.Constraint) error

	// Feature flags
	flags.Source
	SetFeatureFlag(ctx context.Context, flag, accountID string, enabled bool) error

	// Delegate tasks
	delegate.TaskStore
	GetTask(ctx context.Context, id string) (*delegate.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status delegate.TaskStatus) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*delegate.Task, error)

	// Sweeping outputs
	outputs.Repository

	// Approvals
	approval.Store

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle
	Close() error
}
