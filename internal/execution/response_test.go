package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/cdflow/pkg/schema"
)

func TestResponse_Validate(t *testing.T) {
	parent := newTemplate()
	a, b := parent.Clone("a"), parent.Clone("b")

	assert.NoError(t, Succeeded().Validate())
	assert.NoError(t, AwaitChildren(a, b).Validate())
	assert.NoError(t, AwaitCallbacks("task-1").Validate())

	cases := map[string]*Response{
		"async without ids":   {Async: true},
		"ids without async":   {CorrelationIDs: []string{"x"}, Status: schema.StatusSuccess},
		"cardinality":         {Async: true, CorrelationIDs: []string{a.ID}, Children: []*Instance{a, b}},
		"child id mismatch":   {Async: true, CorrelationIDs: []string{b.ID, a.ID}, Children: []*Instance{a, b}},
		"duplicate ids":       {Async: true, CorrelationIDs: []string{"x", "x"}},
		"sync without status": {},
	}
	for name, r := range cases {
		err := r.Validate()
		assert.Error(t, err, name)
		assert.True(t, schema.IsFatal(err), name)
	}
	var nilResp *Response
	assert.Error(t, nilResp.Validate())
}

func TestResponse_Builders(t *testing.T) {
	r := Skipped("rollback already triggered")
	assert.Equal(t, schema.StatusSkipped, r.Status)
	assert.Equal(t, "rollback already triggered", r.Skip.Reason)
	assert.False(t, r.Async)

	r = AwaitCallbacks("t-1", "t-2")
	assert.True(t, r.Async)
	assert.Equal(t, schema.StatusWaiting, r.Status)
	assert.Empty(t, r.Children)

	r = Failed("no healthy targets").WithStateData(map[string]any{"targets": 0})
	assert.Equal(t, schema.StatusFailed, r.Status)
	assert.Equal(t, 0, r.StateData["targets"])
}
