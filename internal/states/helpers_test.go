package states

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/approval"
	"github.com/rendis/cdflow/internal/delegate"
	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/expressions"
	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/pkg/schema"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []*delegate.Task
	keys  map[string]bool
	err   error
}

func (d *fakeDispatcher) Submit(_ context.Context, task *delegate.Task) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	if task.DedupKey != "" {
		if d.keys == nil {
			d.keys = map[string]bool{}
		}
		if d.keys[task.DedupKey] {
			return "", fmt.Errorf("%w: %s", schema.ErrDeploymentExists, task.DedupKey)
		}
		d.keys[task.DedupKey] = true
	}
	task.ID = fmt.Sprintf("task-%d", len(d.tasks)+1)
	d.tasks = append(d.tasks, task)
	return task.ID, nil
}

func (d *fakeDispatcher) last() *delegate.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return nil
	}
	return d.tasks[len(d.tasks)-1]
}

type copyCall struct {
	appID, prevPipe, prevState string
	prevWfes                   []string
	currPipe, currState        string
}

type fakeOutputs struct {
	copies   []copyCall
	response *execution.Response
	err      error
}

func (o *fakeOutputs) CopyStageOutputs(_ context.Context, appID, prevPipe, prevState string, prevWfes []string, currPipe, currState string) error {
	o.copies = append(o.copies, copyCall{appID, prevPipe, prevState, prevWfes, currPipe, currState})
	return nil
}

func (o *fakeOutputs) PrepareExecutionResponse(_ context.Context, _ execution.Context, prevStateExecID string) (*execution.Response, error) {
	if o.err != nil {
		return nil, o.err
	}
	if o.response == nil {
		return nil, schema.NullReference("state execution", prevStateExecID)
	}
	return o.response, nil
}

type fakeApprovals struct {
	requests []*approval.Approval
}

func (a *fakeApprovals) Request(_ context.Context, ec execution.Context, message string, approvers []string) (*approval.Approval, error) {
	ap := &approval.Approval{
		ID:               fmt.Sprintf("approval-%d", len(a.requests)+1),
		StateExecutionID: ec.Instance().ID,
		Message:          message,
		Approvers:        approvers,
		Status:           approval.StatusPending,
	}
	a.requests = append(a.requests, ap)
	return ap, nil
}

// memPermits is a minimal permits.Store for gate-backed states.
type memPermits struct {
	mu          sync.Mutex
	constraints map[string]*permits.Constraint
	permits     []*permits.Permit
}

func newMemPermits(cs ...*permits.Constraint) *memPermits {
	m := &memPermits{constraints: map[string]*permits.Constraint{}}
	for _, c := range cs {
		m.constraints[c.ID] = c
	}
	return m
}

func (m *memPermits) GetConstraint(_ context.Context, id string) (*permits.Constraint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constraints[id], nil
}

func (m *memPermits) GetAcquiredPermits(_ context.Context, scope schema.HoldingScope, key, appID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.permits {
		if p.Scope == scope && p.EntityKey == key && p.AppID == appID && p.State == permits.StateActive {
			n += p.Permits
		}
	}
	return n, nil
}

func (m *memPermits) UsedPermits(_ context.Context, constraintID, unit string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.permits {
		if p.ConstraintID == constraintID && p.ResourceUnit == unit && p.State == permits.StateActive {
			n += p.Permits
		}
	}
	return n, nil
}

func (m *memPermits) SavePermit(_ context.Context, p *permits.Permit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.permits = append(m.permits, &cp)
	return nil
}

func (m *memPermits) UpdatePermitState(_ context.Context, id string, state permits.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.permits {
		if p.ID == id {
			p.State = state
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "permit %s not found", id)
}

func (m *memPermits) ListPermits(_ context.Context, constraintID, unit string, state permits.State) ([]*permits.Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*permits.Permit
	for _, p := range m.permits {
		if p.ConstraintID == constraintID && p.ResourceUnit == unit && p.State == state {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPermits) HolderPermits(_ context.Context, scope schema.HoldingScope, key, appID string) ([]*permits.Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*permits.Permit
	for _, p := range m.permits {
		if p.Scope == scope && p.EntityKey == key && p.AppID == appID && p.State != permits.StateFinished {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPermits) ExecutionPermits(_ context.Context, wfeID, appID string) ([]*permits.Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*permits.Permit
	for _, p := range m.permits {
		if p.AppID != appID || p.State == permits.StateFinished {
			continue
		}
		if (p.Scope == schema.ScopeWorkflow && p.EntityKey == wfeID) ||
			(p.Scope == schema.ScopePhase && strings.HasPrefix(p.EntityKey, permits.PhaseKeyPrefix(wfeID))) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type testEnv struct {
	deps       Deps
	dispatcher *fakeDispatcher
	outputs    *fakeOutputs
	approvals  *fakeApprovals
	permits    *memPermits
	evaluator  *expressions.Evaluator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	env := &testEnv{
		dispatcher: &fakeDispatcher{},
		outputs:    &fakeOutputs{},
		approvals:  &fakeApprovals{},
		permits: newMemPermits(&permits.Constraint{
			ID: "rc-1", Name: "prod-db", AccountID: "acc-1", Capacity: 2, Strategy: "FIFO",
			CreatedAt: time.Now(),
		}),
		evaluator: ev,
	}
	env.deps = Deps{
		Dispatcher: env.dispatcher,
		Outputs:    env.outputs,
		Gate:       permits.NewGate(env.permits),
		Approvals:  env.approvals,
		Renderer:   ev,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return env
}

func (e *testEnv) context(inst *execution.Instance) *execution.ExecutionContext {
	return execution.NewContext(inst, e.evaluator)
}

func newTestInstance(stateName string, stateType schema.StateType) *execution.Instance {
	inst := execution.NewInstance(stateName, stateType)
	inst.AppID = "app-1"
	inst.AccountID = "acc-1"
	inst.WorkflowID = "wf-1"
	inst.WorkflowExecutionID = "wfe-1"
	inst.PipelineExecutionID = "pipe-1"
	inst.Status = schema.StatusRunning
	return inst
}

func intPtr(n int) *int { return &n }
