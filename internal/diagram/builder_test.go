package diagram

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/pkg/schema"
)

const releaseDef = `{
	"name": "release",
	"initial_state": "lock",
	"states": [
		{"name": "lock", "type": "RESOURCE_CONSTRAINT", "properties": {"resourceConstraintId": "rc-1", "holdingScope": "WORKFLOW", "permits": 1}},
		{"name": "deploy", "type": "ENV_LOOP", "properties": {"loopedStateName": "deploy-env", "loopedValues": ["qa", "prod"]}},
		{"name": "deploy-env", "type": "ENV_STATE", "properties": {"workflowId": "wf-deploy"}},
		{"name": "approve", "type": "PAUSE", "properties": {"approvers": ["alice"]}},
		{"name": "rollback", "type": "HELM_ROLLBACK", "properties": {"releaseName": "api"}}
	],
	"transitions": [
		{"from": "lock", "to": "deploy", "type": "SUCCESS"},
		{"from": "deploy", "to": "approve", "type": "SUCCESS"},
		{"from": "deploy", "to": "rollback", "type": "FAILURE"}
	]
}`

func releaseDefinition(t *testing.T) *schema.WorkflowDefinition {
	t.Helper()
	var def schema.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(releaseDef), &def))
	return &def
}

func testFactory() *states.Factory {
	return states.NewFactory(states.Deps{})
}

func findNode(model *DiagramModel, id string) *Node {
	for _, n := range model.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func hasEdge(model *DiagramModel, from, to string) (Edge, bool) {
	for _, e := range model.Edges {
		if e.From == from && e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

func TestBuild_Structure(t *testing.T) {
	model, err := Build(releaseDefinition(t), testFactory(), nil)
	require.NoError(t, err)

	assert.Equal(t, "release", model.Title)
	require.Len(t, model.Nodes, 7, "five states plus start and end")
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[6].Kind)

	assert.Equal(t, NodeKindGate, findNode(model, "lock").Kind)
	assert.Equal(t, NodeKindFanOut, findNode(model, "deploy").Kind)
	assert.Equal(t, NodeKindDelegated, findNode(model, "deploy-env").Kind)
	assert.Equal(t, NodeKindPause, findNode(model, "approve").Kind)
	assert.Equal(t, NodeKindRollback, findNode(model, "rollback").Kind)

	_, ok := hasEdge(model, startID, "lock")
	assert.True(t, ok)
	fail, ok := hasEdge(model, "deploy", "rollback")
	require.True(t, ok)
	assert.Equal(t, "failure", fail.Label)
	fan, ok := hasEdge(model, "deploy", "deploy-env")
	require.True(t, ok)
	assert.Equal(t, EdgeDashed, fan.Style)

	_, ok = hasEdge(model, "approve", endID)
	assert.True(t, ok)
	_, ok = hasEdge(model, "rollback", endID)
	assert.True(t, ok)
	_, ok = hasEdge(model, "deploy-env", endID)
	assert.False(t, ok, "looped states run as children, not as graph exits")
	_, ok = hasEdge(model, "lock", endID)
	assert.False(t, ok)
}

func TestBuild_StatusOverlay(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	lockOld := &execution.Instance{ID: "i-0", StateName: "lock", Status: schema.StatusFailed, CreatedAt: start.Add(-time.Hour)}
	lock := &execution.Instance{ID: "i-1", StateName: "lock", Status: schema.StatusSuccess, CreatedAt: start, StartedAt: &start, EndedAt: &end}
	deploy := &execution.Instance{ID: "i-2", StateName: "deploy", StateType: schema.StateTypeEnvLoop, Status: schema.StatusWaiting, CreatedAt: end}
	qa := &execution.Instance{ID: "i-3", ParentInstanceID: "i-2", StateName: "deploy-env", DisplayName: "deploy-env-qa", StateType: schema.StateTypeEnvState, Status: schema.StatusSuccess}
	prod := &execution.Instance{ID: "i-4", ParentInstanceID: "i-2", StateName: "deploy-env", DisplayName: "deploy-env-prod", StateType: schema.StateTypeEnvState, Status: schema.StatusRunning}

	model, err := Build(releaseDefinition(t), testFactory(), []*execution.Instance{lock, lockOld, deploy, qa, prod})
	require.NoError(t, err)

	lockNode := findNode(model, "lock")
	require.NotNil(t, lockNode.Status)
	assert.Equal(t, "SUCCESS", lockNode.Status.Status, "newest instance wins")
	assert.Equal(t, int64(1500), lockNode.Status.DurationMs)

	deployNode := findNode(model, "deploy")
	require.NotNil(t, deployNode.Status)
	assert.Equal(t, "WAITING", deployNode.Status.Status)
	require.Len(t, deployNode.Children, 1)
	kids := deployNode.Children[0].Nodes
	require.Len(t, kids, 2)
	assert.Equal(t, "deploy.deploy-env-qa", kids[0].ID)
	assert.Equal(t, "RUNNING", kids[1].Status.Status)

	assert.Nil(t, findNode(model, "approve").Status)
}

func TestBuild_InvalidDefinition(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "empty"}
	_, err := Build(def, testFactory(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}
