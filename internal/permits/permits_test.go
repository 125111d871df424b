package permits

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/pkg/schema"
)

// memStore is an in-memory Store for gate tests.
type memStore struct {
	mu          sync.Mutex
	constraints map[string]*Constraint
	permits     []*Permit
	acquiredErr error
	lookups     []string
	// afterUsed runs after UsedPermits reads, outside the lock.
	afterUsed func()
}

func newMemStore(cs ...*Constraint) *memStore {
	m := &memStore{constraints: map[string]*Constraint{}}
	for _, c := range cs {
		m.constraints[c.ID] = c
	}
	return m
}

func (m *memStore) GetConstraint(_ context.Context, id string) (*Constraint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constraints[id], nil
}

func (m *memStore) GetAcquiredPermits(_ context.Context, scope schema.HoldingScope, key, appID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, string(scope)+":"+key+":"+appID)
	if m.acquiredErr != nil {
		return 0, m.acquiredErr
	}
	n := 0
	for _, p := range m.permits {
		if p.Scope == scope && p.EntityKey == key && p.AppID == appID && p.State == StateActive {
			n += p.Permits
		}
	}
	return n, nil
}

func (m *memStore) UsedPermits(_ context.Context, constraintID, unit string) (int, error) {
	m.mu.Lock()
	n := 0
	for _, p := range m.permits {
		if p.ConstraintID == constraintID && p.ResourceUnit == unit && p.State == StateActive {
			n += p.Permits
		}
	}
	hook := m.afterUsed
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return n, nil
}

func (m *memStore) SavePermit(_ context.Context, p *Permit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.permits = append(m.permits, &cp)
	return nil
}

func (m *memStore) UpdatePermitState(_ context.Context, id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permits {
		if p.ID == id {
			p.State = state
		}
	}
	return nil
}

func (m *memStore) ListPermits(_ context.Context, constraintID, unit string, state State) ([]*Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Permit
	for _, p := range m.permits {
		if p.ConstraintID == constraintID && p.ResourceUnit == unit && p.State == state {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) HolderPermits(_ context.Context, scope schema.HoldingScope, key, appID string) ([]*Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Permit
	for _, p := range m.permits {
		if p.Scope == scope && p.EntityKey == key && p.AppID == appID && p.State != StateFinished {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) ExecutionPermits(_ context.Context, wfeID, appID string) ([]*Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Permit
	for _, p := range m.permits {
		if p.AppID != appID || p.State == StateFinished {
			continue
		}
		if (p.Scope == schema.ScopeWorkflow && p.EntityKey == wfeID) ||
			(p.Scope == schema.ScopePhase && strings.HasPrefix(p.EntityKey, PhaseKeyPrefix(wfeID))) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) state(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permits {
		if p.ID == id {
			return p.State
		}
	}
	return ""
}

func newCtx(wfExecID, phase string) *execution.ExecutionContext {
	inst := execution.NewInstance("acquire", schema.StateTypeResourceConstraint)
	inst.AppID = "app-1"
	inst.AccountID = "acc-1"
	inst.WorkflowExecutionID = wfExecID
	if phase != "" {
		inst.ContextParams = map[string]string{execution.ContextParamPhaseName: phase}
	}
	return execution.NewContext(inst, nil)
}

func TestEntityKey(t *testing.T) {
	ec := newCtx("wfe-1", "prod")

	k, err := EntityKey(schema.ScopeWorkflow, ec)
	require.NoError(t, err)
	assert.Equal(t, "wfe-1", k)

	k, err = EntityKey(schema.ScopePhase, ec)
	require.NoError(t, err)
	assert.Equal(t, "wfe-1|prod", k)

	_, err = EntityKey(schema.ScopePipeline, ec)
	require.Error(t, err)
	assert.True(t, schema.IsFatal(err))

	_, err = EntityKey(schema.ScopePhase, newCtx("wfe-1", ""))
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidRequest))
}

func TestAccountant_DistinctKeysAndLiveCounts(t *testing.T) {
	store := newMemStore()
	acc := NewAccountant(store)
	ec := newCtx("wfe-1", "prod")
	ctx := context.Background()

	store.permits = append(store.permits,
		&Permit{ID: "p1", Scope: schema.ScopeWorkflow, EntityKey: "wfe-1", AppID: "app-1", Permits: 2, State: StateActive},
		&Permit{ID: "p2", Scope: schema.ScopePhase, EntityKey: "wfe-1|prod", AppID: "app-1", Permits: 1, State: StateActive},
	)

	n, err := acc.AlreadyAcquiredPermits(ctx, schema.ScopeWorkflow, ec)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = acc.AlreadyAcquiredPermits(ctx, schema.ScopePhase, ec)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Counts reflect store state at call time.
	store.permits = append(store.permits,
		&Permit{ID: "p3", Scope: schema.ScopeWorkflow, EntityKey: "wfe-1", AppID: "app-1", Permits: 3, State: StateActive})
	n, err = acc.AlreadyAcquiredPermits(ctx, schema.ScopeWorkflow, ec)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = acc.AlreadyAcquiredPermits(ctx, schema.ScopePhase, ec)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, []string{
		"WORKFLOW:wfe-1:app-1", "PHASE:wfe-1|prod:app-1",
		"WORKFLOW:wfe-1:app-1", "PHASE:wfe-1|prod:app-1",
	}, store.lookups)

	_, err = acc.AlreadyAcquiredPermits(ctx, schema.ScopePipeline, ec)
	assert.True(t, schema.IsFatal(err))
	assert.Len(t, store.lookups, 4, "unsupported scope must not reach the store")
}
