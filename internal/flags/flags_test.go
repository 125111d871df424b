package flags

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockSource struct {
	enabled map[string]bool
	err     error
	calls   int
}

func (m *mockSource) FeatureFlagEnabled(_ context.Context, flag, accountID string) (bool, error) {
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return m.enabled[flag+"/"+accountID], nil
}

func TestStoreService(t *testing.T) {
	src := &mockSource{enabled: map[string]bool{PrioritizeRejectedStatus + "/acc-1": true}}
	svc := NewStoreService(src, nil)
	ctx := context.Background()

	assert.True(t, svc.IsEnabled(ctx, PrioritizeRejectedStatus, "acc-1"))
	assert.False(t, svc.IsEnabled(ctx, PrioritizeRejectedStatus, "acc-2"))
	assert.Equal(t, 2, src.calls)
}

func TestStoreService_ErrorMeansDisabled(t *testing.T) {
	svc := NewStoreService(&mockSource{err: errors.New("db closed")}, nil)
	assert.False(t, svc.IsEnabled(context.Background(), PrioritizeRejectedStatus, "acc-1"))
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	var zero Static
	assert.False(t, zero.IsEnabled(ctx, PrioritizeRejectedStatus, "acc-1"))

	s := NewStatic().Set(PrioritizeRejectedStatus, AllAccounts, true).Set(PrioritizeRejectedStatus, "acc-2", false)
	assert.True(t, s.IsEnabled(ctx, PrioritizeRejectedStatus, "acc-1"))
	assert.False(t, s.IsEnabled(ctx, PrioritizeRejectedStatus, "acc-2"))
	assert.False(t, s.IsEnabled(ctx, "OTHER", "acc-1"))
}
