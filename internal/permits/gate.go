package permits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/pkg/schema"
)

// Decision is the gate's verdict for one acquire request.
type Decision string

const (
	// DecisionProceed: permits were granted (ACTIVE record saved).
	DecisionProceed Decision = "PROCEED"
	// DecisionQueue: capacity is busy; a BLOCKED record waits for release.
	DecisionQueue Decision = "QUEUE"
	// DecisionAlreadyHeld: ENSURE mode and the holder already owns enough.
	DecisionAlreadyHeld Decision = "ALREADY_HELD"
)

// Request describes one acquire attempt.
type Request struct {
	ConstraintID string
	ResourceUnit string
	Scope        schema.HoldingScope
	Mode         schema.AcquireMode
	Permits      int
}

// Acquisition is the gate's answer.
type Acquisition struct {
	Decision  Decision
	PermitID  string
	Requested int // permits actually requested after ENSURE adjustment
	Already   int
	Capacity  int
}

// Gate applies capacity rules on top of the Accountant. Acquire and Release
// are serialized: each reads usage, decides and writes as one step.
type Gate struct {
	store      Store
	accountant *Accountant
	now        func() time.Time

	mu sync.Mutex
}

// NewGate creates a Gate over store.
func NewGate(store Store) *Gate {
	return &Gate{store: store, accountant: NewAccountant(store), now: time.Now}
}

// Acquire decides and records the outcome of req for the run behind ec.
// Exceeding capacity for a single holder is an invalid request; the state
// cannot succeed no matter how long it waits.
func (g *Gate) Acquire(ctx context.Context, req Request, ec execution.Context) (*Acquisition, error) {
	if req.Permits <= 0 {
		return nil, schema.InvalidRequest("permits must be positive, got %d", req.Permits)
	}
	if req.Mode != schema.AcquireAccumulate && req.Mode != schema.AcquireEnsure {
		return nil, schema.InvalidRequest("unsupported acquire mode %q", req.Mode)
	}

	key, err := EntityKey(req.Scope, ec)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	constraint, err := g.store.GetConstraint(ctx, req.ConstraintID)
	if err != nil {
		return nil, err
	}
	if constraint == nil {
		return nil, schema.NullReference("resource constraint", req.ConstraintID)
	}

	already, err := g.store.GetAcquiredPermits(ctx, req.Scope, key, ec.AppID())
	if err != nil {
		return nil, err
	}

	requested := req.Permits
	if req.Mode == schema.AcquireEnsure {
		requested = req.Permits - already
	}
	acq := &Acquisition{Requested: requested, Already: already, Capacity: constraint.Capacity}
	if requested <= 0 {
		acq.Decision = DecisionAlreadyHeld
		return acq, nil
	}
	if already+requested > constraint.Capacity {
		return nil, schema.InvalidRequest(
			"holder %s would hold %d permits on constraint %s with capacity %d",
			key, already+requested, constraint.Name, constraint.Capacity).
			WithDetails(map[string]any{
				"constraint_id": constraint.ID,
				"already":       already,
				"requested":     requested,
				"capacity":      constraint.Capacity,
			})
	}

	unit := req.ResourceUnit
	if unit == "" {
		unit = constraint.Name
	}
	used, err := g.store.UsedPermits(ctx, constraint.ID, unit)
	if err != nil {
		return nil, err
	}

	permit := &Permit{
		ID:           uuid.NewString(),
		ConstraintID: constraint.ID,
		ResourceUnit: unit,
		Scope:        req.Scope,
		EntityKey:    key,
		AppID:        ec.AppID(),
		AccountID:    ec.AccountID(),
		Permits:      requested,
		State:        StateActive,
		CreatedAt:    g.now().UTC(),
	}
	acq.Decision = DecisionProceed
	if used+requested > constraint.Capacity {
		permit.State = StateBlocked
		acq.Decision = DecisionQueue
	}
	if err := g.store.SavePermit(ctx, permit); err != nil {
		return nil, err
	}
	acq.PermitID = permit.ID
	return acq, nil
}

// Release finishes every permit held by a holder and activates queued permits
// on the affected units in FIFO order while capacity allows. It returns the
// ids of the newly activated permits; callers deliver them as callbacks.
func (g *Gate) Release(ctx context.Context, scope schema.HoldingScope, entityKey, appID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	held, err := g.store.HolderPermits(ctx, scope, entityKey, appID)
	if err != nil {
		return nil, err
	}
	return g.finish(ctx, held)
}

// ReleaseExecution finishes everything a workflow execution holds or waits
// for: its WORKFLOW holder and each of its PHASE holders.
func (g *Gate) ReleaseExecution(ctx context.Context, workflowExecutionID, appID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	held, err := g.store.ExecutionPermits(ctx, workflowExecutionID, appID)
	if err != nil {
		return nil, err
	}
	return g.finish(ctx, held)
}

// finish marks held FINISHED and unblocks the units they occupied.
func (g *Gate) finish(ctx context.Context, held []*Permit) ([]string, error) {
	type unitKey struct{ constraintID, unit string }
	touched := make(map[unitKey]struct{})
	var order []unitKey
	for _, p := range held {
		if err := g.store.UpdatePermitState(ctx, p.ID, StateFinished); err != nil {
			return nil, err
		}
		k := unitKey{p.ConstraintID, p.ResourceUnit}
		if _, ok := touched[k]; !ok {
			touched[k] = struct{}{}
			order = append(order, k)
		}
	}

	var activated []string
	for _, k := range order {
		ids, err := g.unblock(ctx, k.constraintID, k.unit)
		if err != nil {
			return activated, err
		}
		activated = append(activated, ids...)
	}
	return activated, nil
}

// ReleaseFor releases the holder behind ec at scope.
func (g *Gate) ReleaseFor(ctx context.Context, scope schema.HoldingScope, ec execution.Context) ([]string, error) {
	key, err := EntityKey(scope, ec)
	if err != nil {
		return nil, err
	}
	return g.Release(ctx, scope, key, ec.AppID())
}

func (g *Gate) unblock(ctx context.Context, constraintID, unit string) ([]string, error) {
	constraint, err := g.store.GetConstraint(ctx, constraintID)
	if err != nil {
		return nil, err
	}
	if constraint == nil {
		return nil, schema.NullReference("resource constraint", constraintID)
	}
	used, err := g.store.UsedPermits(ctx, constraintID, unit)
	if err != nil {
		return nil, err
	}
	blocked, err := g.store.ListPermits(ctx, constraintID, unit, StateBlocked)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, p := range blocked {
		// FIFO: a large head request holds back smaller ones behind it.
		if used+p.Permits > constraint.Capacity {
			break
		}
		if err := g.store.UpdatePermitState(ctx, p.ID, StateActive); err != nil {
			return ids, err
		}
		used += p.Permits
		ids = append(ids, p.ID)
	}
	return ids, nil
}
