// Package permits implements resource-constraint permit accounting and the
// gate decision (proceed, queue or reject) of a resource constraint state.
//
// The package holds no mutable state of its own. It assumes the Store reads
// acquired and used counts atomically with respect to concurrent saves.
package permits

import (
	"context"
	"time"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/pkg/schema"
)

// State of a permit record.
type State string

const (
	StateActive   State = "ACTIVE"
	StateBlocked  State = "BLOCKED"
	StateFinished State = "FINISHED"
)

// Constraint is a named gate with a permit ceiling.
type Constraint struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AccountID string    `json:"account_id"`
	Capacity  int       `json:"capacity"`
	Strategy  string    `json:"strategy"` // FIFO
	CreatedAt time.Time `json:"created_at"`
}

// Permit is one holder's claim on a constraint.
type Permit struct {
	ID           string              `json:"id"`
	ConstraintID string              `json:"constraint_id"`
	ResourceUnit string              `json:"resource_unit"`
	Scope        schema.HoldingScope `json:"scope"`
	EntityKey    string              `json:"entity_key"`
	AppID        string              `json:"app_id"`
	AccountID    string              `json:"account_id"`
	Permits      int                 `json:"permits"`
	State        State               `json:"state"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Store persists constraints and permits.
type Store interface {
	GetConstraint(ctx context.Context, id string) (*Constraint, error)
	// GetAcquiredPermits sums ACTIVE permits held under (scope, entityKey, appID).
	GetAcquiredPermits(ctx context.Context, scope schema.HoldingScope, entityKey, appID string) (int, error)
	// UsedPermits sums ACTIVE permits on a constraint unit across all holders.
	UsedPermits(ctx context.Context, constraintID, unit string) (int, error)
	SavePermit(ctx context.Context, p *Permit) error
	UpdatePermitState(ctx context.Context, id string, state State) error
	// ListPermits returns permits on a constraint unit in the given state,
	// oldest first.
	ListPermits(ctx context.Context, constraintID, unit string, state State) ([]*Permit, error)
	// HolderPermits returns the non-finished permits of a holder.
	HolderPermits(ctx context.Context, scope schema.HoldingScope, entityKey, appID string) ([]*Permit, error)
	// ExecutionPermits returns the non-finished permits of a workflow
	// execution: its WORKFLOW holder and every PHASE holder keyed under it.
	ExecutionPermits(ctx context.Context, workflowExecutionID, appID string) ([]*Permit, error)
}

// EntityKey derives the holder key for scope from the execution context.
// WORKFLOW keys on the workflow execution id; PHASE appends the phase name.
// Every other scope is an invalid request.
func EntityKey(scope schema.HoldingScope, ec execution.Context) (string, error) {
	switch scope {
	case schema.ScopeWorkflow:
		return ec.WorkflowExecutionID(), nil
	case schema.ScopePhase:
		phase, ok := ec.ContextParam(execution.ContextParamPhaseName)
		if !ok || phase == "" {
			return "", schema.InvalidRequest("holding scope PHASE requires context param %q", execution.ContextParamPhaseName)
		}
		return PhaseKeyPrefix(ec.WorkflowExecutionID()) + phase, nil
	default:
		return "", schema.InvalidRequest("unsupported holding scope %q", scope)
	}
}

// Accountant answers how many permits a holder already owns.
type Accountant struct {
	store Store
}

// NewAccountant creates an Accountant over store.
func NewAccountant(store Store) *Accountant {
	return &Accountant{store: store}
}

// AlreadyAcquiredPermits returns the permits held at scope by the run behind ec.
func (a *Accountant) AlreadyAcquiredPermits(ctx context.Context, scope schema.HoldingScope, ec execution.Context) (int, error) {
	key, err := EntityKey(scope, ec)
	if err != nil {
		return 0, err
	}
	return a.store.GetAcquiredPermits(ctx, scope, key, ec.AppID())
}

// PhaseKeyPrefix is the prefix shared by every PHASE holder key of a
// workflow execution.
func PhaseKeyPrefix(workflowExecutionID string) string {
	return workflowExecutionID + "|"
}
