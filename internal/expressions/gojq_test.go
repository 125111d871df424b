package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/pkg/schema"
)

func TestGoJQ_SingleAndMultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `.app.id`, sampleData())
	require.NoError(t, err)
	assert.Equal(t, "app-1", out)

	out, err = e.Evaluate(ctx, `.states.build.artifacts[].buildNo`, sampleData())
	require.NoError(t, err)
	assert.Equal(t, []any{"1.0", "2.0"}, out)

	out, err = e.Evaluate(ctx, `empty`, sampleData())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EnvIsBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, `.[`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `error("boom")`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestGoJQ_NormalizesTypedValues(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		NSStates: map[string]any{
			"scan": map[string]any{
				"images":   []string{"api", "worker"},
				"findings": int64(3),
				"labels":   map[string]string{"team": "payments"},
			},
		},
	}
	out, err := e.Evaluate(context.Background(),
		`[(.states.scan.images | length), .states.scan.findings, .states.scan.labels.team]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{2, float64(3), "payments"}, out)
}
