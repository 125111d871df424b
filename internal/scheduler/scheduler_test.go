package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/pkg/schema"
)

// mockStore serves overdue instances and records purges.
type mockStore struct {
	mu       sync.Mutex
	waiting  []*execution.Instance
	filters  []store.InstanceFilter
	purged   []time.Time
	listErr  error
	purgeRet int64
}

func (m *mockStore) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*execution.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filter)
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*execution.Instance
	for _, inst := range m.waiting {
		if inst.ExpiresAt != nil && inst.ExpiresAt.Before(*filter.ExpiresBefore) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *mockStore) PurgeEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged = append(m.purged, before)
	return m.purgeRet, nil
}

// mockExpirer records expired ids; ids in conflict fail with CONFLICT.
type mockExpirer struct {
	mu       sync.Mutex
	expired  []string
	conflict map[string]bool
}

func (m *mockExpirer) Expire(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict[id] {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s is not waiting", id)
	}
	m.expired = append(m.expired, id)
	return nil
}

func (m *mockExpirer) Expired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.expired...)
}

func waitingInstance(id string, expiresAt time.Time) *execution.Instance {
	inst := execution.NewInstance("deploy", schema.StateTypeEnvState)
	inst.ID = id
	inst.Status = schema.StatusWaiting
	inst.ExpiresAt = &expiresAt
	return inst
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewScheduler_Defaults(t *testing.T) {
	s, err := NewScheduler(&mockStore{}, &mockExpirer{}, Config{PurgeSpec: "0 3 * * *"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "@every 30s", s.config.ExpirySpec)
	assert.Equal(t, 500, s.config.BatchSize)
	assert.Len(t, s.jobs, 2)
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(&mockStore{}, &mockExpirer{}, Config{ExpirySpec: "every now and then"}, quietLogger())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = NewScheduler(&mockStore{}, &mockExpirer{}, Config{PurgeSpec: "61 * * * *"}, quietLogger())
	require.Error(t, err)
}

func TestExpireOverdue(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{waiting: []*execution.Instance{
		waitingInstance("late", now.Add(-time.Minute)),
		waitingInstance("raced", now.Add(-time.Second)),
		waitingInstance("future", now.Add(time.Hour)),
	}}
	exp := &mockExpirer{conflict: map[string]bool{"raced": true}}
	s, err := NewScheduler(st, exp, Config{BatchSize: 10}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, s.ExpireOverdue(context.Background(), now))
	assert.Equal(t, []string{"late"}, exp.Expired())

	require.Len(t, st.filters, 1)
	f := st.filters[0]
	assert.ElementsMatch(t, []schema.ExecutionStatus{schema.StatusWaiting, schema.StatusPaused}, f.Statuses)
	assert.Equal(t, 10, f.Limit)
}

func TestExpireOverdue_ListError(t *testing.T) {
	st := &mockStore{listErr: errors.New("db locked")}
	s, err := NewScheduler(st, &mockExpirer{}, Config{}, quietLogger())
	require.NoError(t, err)
	assert.ErrorContains(t, s.ExpireOverdue(context.Background(), time.Now()), "db locked")
}

func TestPurgeEvents_UsesRetention(t *testing.T) {
	st := &mockStore{purgeRet: 3}
	s, err := NewScheduler(st, &mockExpirer{}, Config{EventRetention: 48 * time.Hour}, quietLogger())
	require.NoError(t, err)

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PurgeEvents(context.Background(), now))
	require.Len(t, st.purged, 1)
	assert.Equal(t, now.Add(-48*time.Hour), st.purged[0])
}

func TestStartRunsExpiryImmediately(t *testing.T) {
	now := time.Now().UTC()
	st := &mockStore{waiting: []*execution.Instance{waitingInstance("late", now.Add(-time.Minute))}}
	exp := &mockExpirer{}
	s, err := NewScheduler(st, exp, Config{Tick: time.Hour}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(exp.Expired()) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	next, ok := s.NextRun("expire")
	require.True(t, ok)
	assert.True(t, next.After(now))
}

func TestStartTwice(t *testing.T) {
	s, err := NewScheduler(&mockStore{}, &mockExpirer{}, Config{Tick: time.Hour}, quietLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()
	assert.Error(t, s.Start(context.Background()))
}

func TestStopWithoutStart(t *testing.T) {
	s, err := NewScheduler(&mockStore{}, &mockExpirer{}, Config{}, quietLogger())
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
}

func TestTick_SkipsJobsNotDue(t *testing.T) {
	st := &mockStore{}
	s, err := NewScheduler(st, &mockExpirer{}, Config{PurgeSpec: "0 3 * * *"}, quietLogger())
	require.NoError(t, err)

	fixed := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	for _, j := range s.jobs {
		j.next = j.schedule.Next(fixed)
	}
	s.tick(context.Background())
	assert.Empty(t, st.filters)
	assert.Empty(t, st.purged)

	s.now = func() time.Time { return fixed.Add(24 * time.Hour) }
	s.tick(context.Background())
	assert.Len(t, st.filters, 1)
	assert.Len(t, st.purged, 1)
}
