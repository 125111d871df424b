package delegate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/telemetry"
	"github.com/rendis/cdflow/pkg/schema"
)

type scriptedDispatcher struct {
	errs  []error
	calls int
}

func (s *scriptedDispatcher) Submit(_ context.Context, task *Task) (string, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "task-" + task.Type, nil
}

func fastRetry(n int) RetryPolicy {
	return RetryPolicy{MaxAttempts: n, Backoff: "constant", Delay: time.Millisecond}
}

func TestGuarded_RetriesTransientErrors(t *testing.T) {
	inner := &scriptedDispatcher{errs: []error{errors.New("connection reset"), nil}}
	g := NewGuarded(inner, NewBreakers(DefaultBreakerConfig()), fastRetry(3), telemetry.NewMetrics(telemetry.Config{Enabled: true}), nil)

	id, err := g.Submit(context.Background(), &Task{Type: "VERIFICATION"})
	require.NoError(t, err)
	assert.Equal(t, "task-VERIFICATION", id)
	assert.Equal(t, 2, inner.calls)
}

func TestGuarded_DeploymentExistsPassesThrough(t *testing.T) {
	inner := &scriptedDispatcher{errs: []error{fmt.Errorf("%w: dup", schema.ErrDeploymentExists)}}
	breakers := NewBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	g := NewGuarded(inner, breakers, fastRetry(3), nil, nil)

	_, err := g.Submit(context.Background(), &Task{Type: "ENV_ROLLBACK"})
	assert.ErrorIs(t, err, schema.ErrDeploymentExists)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, CircuitClosed, breakers.State("ENV_ROLLBACK"))
}

func TestGuarded_OpensCircuit(t *testing.T) {
	boom := errors.New("service unavailable")
	inner := &scriptedDispatcher{errs: []error{boom, boom, boom, boom}}
	breakers := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	g := NewGuarded(inner, breakers, fastRetry(4), nil, nil)

	_, err := g.Submit(context.Background(), &Task{Type: "K8S_SWAP"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, CircuitOpen, breakers.State("K8S_SWAP"))
}

func TestGuarded_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("i/o timeout")
	inner := &scriptedDispatcher{errs: []error{boom, boom}}
	g := NewGuarded(inner, NewBreakers(DefaultBreakerConfig()), fastRetry(2), nil, nil)

	_, err := g.Submit(context.Background(), &Task{Type: "HELM_ROLLBACK"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.ErrorIs(t, err, boom)
}

func TestGuarded_RetryBudgetBoundsBackoff(t *testing.T) {
	boom := errors.New("connection refused")
	inner := &scriptedDispatcher{errs: []error{boom, boom, boom, boom, boom}}
	policy := RetryPolicy{MaxAttempts: 5, Backoff: "constant", Delay: 20 * time.Millisecond, MaxWait: 50 * time.Millisecond}
	g := NewGuarded(inner, NewBreakers(DefaultBreakerConfig()), policy, nil, nil)

	start := time.Now()
	_, err := g.Submit(context.Background(), &Task{Type: "VERIFICATION"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, inner.calls, "two 20ms waits fit the budget, a third does not")
	assert.Less(t, time.Since(start), time.Second)
}

func TestDefaultRetryPolicy_FitsBudget(t *testing.T) {
	p := DefaultRetryPolicy()
	var total time.Duration
	for i := 0; i < p.MaxAttempts-1; i++ {
		total += p.DelayFor(i)
	}
	assert.LessOrEqual(t, total, p.MaxWait)
}
