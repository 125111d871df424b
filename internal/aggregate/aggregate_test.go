package aggregate

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/flags"
	"github.com/rendis/cdflow/pkg/schema"
)

func results(statuses ...schema.ExecutionStatus) map[string]execution.Result {
	m := make(map[string]execution.Result, len(statuses))
	for i, s := range statuses {
		m[fmt.Sprintf("id-%02d", i)] = execution.Result{Status: s, ErrorMessage: string(s) + " message"}
	}
	return m
}

func TestReduce_Empty(t *testing.T) {
	for _, p := range []Policy{PolicyLastFailure, PolicyRejectPriority} {
		out := Reduce(p, nil)
		assert.Equal(t, schema.StatusSuccess, out.Status)
		assert.Empty(t, out.DecidedBy)
	}
}

func TestReduce_AllSuccess(t *testing.T) {
	out := Reduce(PolicyLastFailure, results(schema.StatusSuccess, schema.StatusSuccess))
	assert.Equal(t, schema.StatusSuccess, out.Status)
	assert.Empty(t, out.ErrorMessage)
}

func TestReduce_LastFailureWinsInLexicalOrder(t *testing.T) {
	out := Reduce(PolicyLastFailure, results(
		schema.StatusFailed, schema.StatusSuccess, schema.StatusRejected, schema.StatusSuccess, schema.StatusError))
	assert.Equal(t, schema.StatusError, out.Status)
	assert.Equal(t, "id-04", out.DecidedBy)
	assert.Equal(t, "ERROR message", out.ErrorMessage)

	out = Reduce(PolicyLastFailure, results(schema.StatusRejected, schema.StatusFailed))
	assert.Equal(t, schema.StatusFailed, out.Status)
}

func TestReduce_RejectPriority(t *testing.T) {
	out := Reduce(PolicyRejectPriority, results(schema.StatusFailed, schema.StatusRejected, schema.StatusFailed, schema.StatusExpired))
	assert.Equal(t, schema.StatusRejected, out.Status)
	assert.Equal(t, "id-01", out.DecidedBy)

	// Without a REJECTED entry the default rule applies.
	out = Reduce(PolicyRejectPriority, results(schema.StatusFailed, schema.StatusSuccess, schema.StatusExpired))
	assert.Equal(t, schema.StatusExpired, out.Status)
}

// Property: for random result sets the outcome matches the documented rule,
// independent of map construction order.
func TestReduce_Properties(t *testing.T) {
	statuses := []schema.ExecutionStatus{
		schema.StatusSuccess, schema.StatusFailed, schema.StatusRejected,
		schema.StatusSkipped, schema.StatusError, schema.StatusExpired,
	}
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(8)
		seq := make([]schema.ExecutionStatus, n)
		for i := range seq {
			seq[i] = statuses[rng.Intn(len(statuses))]
		}
		m := results(seq...)

		wantDefault := schema.StatusSuccess
		hasRejected := false
		for _, s := range seq {
			if s != schema.StatusSuccess {
				wantDefault = s
			}
			if s == schema.StatusRejected {
				hasRejected = true
			}
		}

		assert.Equal(t, wantDefault, Reduce(PolicyLastFailure, m).Status, "seq=%v", seq)
		if hasRejected {
			assert.Equal(t, schema.StatusRejected, Reduce(PolicyRejectPriority, m).Status, "seq=%v", seq)
		} else {
			assert.Equal(t, wantDefault, Reduce(PolicyRejectPriority, m).Status, "seq=%v", seq)
		}
	}
}

type countingFlags struct {
	enabled bool
	calls   int
}

func (c *countingFlags) IsEnabled(_ context.Context, flag, _ string) bool {
	c.calls++
	return c.enabled && flag == flags.PrioritizeRejectedStatus
}

func TestAggregator_ResolvesPolicyOncePerCall(t *testing.T) {
	f := &countingFlags{enabled: true}
	agg := New(f)

	out := agg.Aggregate(context.Background(), "acc-1", results(schema.StatusRejected, schema.StatusFailed))
	assert.Equal(t, schema.StatusRejected, out.Status)
	assert.Equal(t, PolicyRejectPriority, out.Policy)
	assert.Equal(t, 1, f.calls)

	f.enabled = false
	out = agg.Aggregate(context.Background(), "acc-1", results(schema.StatusRejected, schema.StatusFailed))
	assert.Equal(t, schema.StatusFailed, out.Status)
	assert.Equal(t, 2, f.calls)
}

func TestAggregator_PerAccountFlag(t *testing.T) {
	agg := New(flags.NewStatic().Set(flags.PrioritizeRejectedStatus, "acc-on", true))
	ctx := context.Background()

	assert.Equal(t, PolicyRejectPriority, agg.PolicyFor(ctx, "acc-on"))
	assert.Equal(t, PolicyLastFailure, agg.PolicyFor(ctx, "acc-off"))
	assert.Equal(t, PolicyLastFailure, New(nil).PolicyFor(ctx, "acc-on"))
	assert.Equal(t, "reject_priority", PolicyRejectPriority.String())
}

func TestOutcome_Response(t *testing.T) {
	r := Outcome{Status: schema.StatusFailed, ErrorMessage: "boom"}.Response()
	assert.False(t, r.Async)
	assert.Equal(t, schema.StatusFailed, r.Status)
	assert.NoError(t, r.Validate())
}
