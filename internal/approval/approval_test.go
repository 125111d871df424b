package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/pkg/schema"
)

type memStore struct {
	approvals map[string]*Approval
}

func newMemStore() *memStore { return &memStore{approvals: map[string]*Approval{}} }

func (m *memStore) CreateApproval(_ context.Context, a *Approval) error {
	m.approvals[a.ID] = a
	return nil
}

func (m *memStore) GetApproval(_ context.Context, id string) (*Approval, error) {
	a, ok := m.approvals[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "approval %s not found", id)
	}
	return a, nil
}

func (m *memStore) ResolveApproval(_ context.Context, id string, status Status, by, comments string, at time.Time) error {
	a, ok := m.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "approval %s not found", id)
	}
	if a.Status != StatusPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s is %s", id, a.Status)
	}
	a.Status, a.DecidedBy, a.Comments, a.DecidedAt = status, by, comments, &at
	return nil
}

func (m *memStore) ListApprovals(_ context.Context, f Filter) ([]*Approval, error) {
	var out []*Approval
	for _, a := range m.approvals {
		if f.Status == "" || a.Status == f.Status {
			out = append(out, a)
		}
	}
	return out, nil
}

func pauseContext() execution.Context {
	inst := execution.NewInstance("approve-prod", schema.StateTypePause)
	inst.WorkflowExecutionID = "wfe-1"
	inst.AccountID = "acc"
	return execution.NewContext(inst, nil)
}

func TestRequestAndApprove(t *testing.T) {
	svc := NewService(newMemStore())
	ctx := context.Background()

	a, err := svc.Request(ctx, pauseContext(), "promote to prod?", []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "wfe-1", a.WorkflowExecutionID)

	cb, err := svc.Decide(ctx, a.ID, true, "alice", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, a.ID, cb.CorrelationID)
	assert.Equal(t, schema.StatusSuccess, cb.Status)
	assert.Equal(t, "lgtm", cb.Data["comments"])
	assert.Equal(t, StatusApproved, a.Status)
}

func TestDecide_Reject(t *testing.T) {
	svc := NewService(newMemStore())
	a, err := svc.Request(context.Background(), pauseContext(), "", nil)
	require.NoError(t, err)

	cb, err := svc.Decide(context.Background(), a.ID, false, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRejected, cb.Status)
	assert.Contains(t, cb.ErrorMessage, "bob")
}

func TestDecide_NotAnApprover(t *testing.T) {
	svc := NewService(newMemStore())
	a, err := svc.Request(context.Background(), pauseContext(), "", []string{"alice"})
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), a.ID, true, "mallory", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Equal(t, StatusPending, a.Status)
}

func TestDecide_Twice(t *testing.T) {
	svc := NewService(newMemStore())
	a, err := svc.Request(context.Background(), pauseContext(), "", nil)
	require.NoError(t, err)
	_, err = svc.Decide(context.Background(), a.ID, true, "alice", "")
	require.NoError(t, err)

	_, err = svc.Decide(context.Background(), a.ID, false, "bob", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestExpire(t *testing.T) {
	svc := NewService(newMemStore())
	a, err := svc.Request(context.Background(), pauseContext(), "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Expire(context.Background(), a.ID))
	assert.Equal(t, StatusExpired, a.Status)
	// Expiring a decided approval is a no-op.
	require.NoError(t, svc.Expire(context.Background(), a.ID))
}
