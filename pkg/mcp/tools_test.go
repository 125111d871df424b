package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cdflow/internal/approval"
	"github.com/rendis/cdflow/internal/delegate"
	"github.com/rendis/cdflow/internal/engine"
	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/pkg/schema"
)

// --- Mock Executor ---

type notifyCall struct {
	id     string
	result execution.Result
}

type mockExecutor struct {
	engine.Executor // embed for unimplemented methods

	started   []engine.StartRequest
	notified  []notifyCall
	aborted   []string
	startErr  error
	notifyErr error
	status    *engine.WorkflowStatus
	statusErr error
}

func (m *mockExecutor) Start(_ context.Context, req engine.StartRequest) (*store.WorkflowExecution, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, req)
	return &store.WorkflowExecution{ID: "wfe-1", WorkflowID: req.WorkflowID, Status: schema.StatusRunning}, nil
}

func (m *mockExecutor) Notify(_ context.Context, id string, r execution.Result) error {
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.notified = append(m.notified, notifyCall{id, r})
	return nil
}

func (m *mockExecutor) Abort(_ context.Context, wfeID, _ string) error {
	m.aborted = append(m.aborted, wfeID)
	return nil
}

func (m *mockExecutor) Status(_ context.Context, _ string) (*engine.WorkflowStatus, error) {
	return m.status, m.statusErr
}

// --- Mock Validator ---

type mockValidator struct {
	defErr    error
	paramsErr error
}

func (v *mockValidator) ValidateDefinition(*schema.WorkflowDefinition) error { return v.defErr }

func (v *mockValidator) ValidateContextParams(*schema.WorkflowDefinition, map[string]string) error {
	return v.paramsErr
}

// --- Helpers ---

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, exec *mockExecutor, v *mockValidator) (*CDFlowServer, *store.LibSQLStore) {
	t.Helper()
	st := newTestStore(t)
	deps := ServerDeps{
		Executor:  exec,
		Store:     st,
		Approvals: approval.NewService(st),
		Gate:      permits.NewGate(st),
		Factory:   states.NewFactory(states.Deps{}),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if v != nil {
		deps.Validator = v
	}
	return NewCDFlowServer(deps), st
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func sampleDefinition() map[string]any {
	return map[string]any{
		"name":          "deploy",
		"initial_state": "helm",
		"states": []any{
			map[string]any{"name": "helm", "type": "ENV_STATE", "properties": map[string]any{"workflowId": "wf-helm"}},
		},
	}
}

// --- Tests ---

func TestStartTool(t *testing.T) {
	exec := &mockExecutor{}
	s, _ := newTestServer(t, exec, &mockValidator{})

	req := buildRequest("cdflow.start", map[string]any{
		"definition":     sampleDefinition(),
		"app_id":         "app-1",
		"account_id":     "acc-1",
		"context_params": map[string]any{"phaseName": "prod", "attempt": float64(2)},
	})
	result, err := s.handleStart(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Len(t, exec.started, 1)
	started := exec.started[0]
	assert.Equal(t, "deploy", started.WorkflowID, "workflow id defaults to the definition name")
	assert.Equal(t, "helm", started.Definition.InitialState)
	assert.Equal(t, map[string]string{"phaseName": "prod", "attempt": "2"}, started.ContextParams)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "wfe-1", out["workflow_execution_id"])
}

func TestStartToolMissingParams(t *testing.T) {
	s, _ := newTestServer(t, &mockExecutor{}, nil)

	result, err := s.handleStart(context.Background(), buildRequest("cdflow.start", map[string]any{"account_id": "acc-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStart(context.Background(), buildRequest("cdflow.start", map[string]any{"app_id": "a", "account_id": "acc-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "definition")
}

func TestStartToolValidationFailure(t *testing.T) {
	exec := &mockExecutor{}
	s, _ := newTestServer(t, exec, &mockValidator{defErr: schema.NewError(schema.ErrCodeValidation, "no states")})

	req := buildRequest("cdflow.start", map[string]any{
		"definition": sampleDefinition(), "app_id": "a", "account_id": "acc-1",
	})
	result, err := s.handleStart(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "no states")
	assert.Empty(t, exec.started)
}

func TestNotifyToolSettlesTask(t *testing.T) {
	exec := &mockExecutor{}
	s, st := newTestServer(t, exec, nil)
	ctx := context.Background()

	id, err := delegate.NewStoreDispatcher(st).Submit(ctx, &delegate.Task{Type: "HELM_DEPLOY", AccountID: "acc-1", AppID: "app-1", StateExecutionID: "se-1"})
	require.NoError(t, err)

	req := buildRequest("cdflow.notify", map[string]any{
		"correlation_id": id,
		"status":         "SUCCESS",
		"data":           map[string]any{"revision": float64(3)},
	})
	result, err := s.handleNotify(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Len(t, exec.notified, 1)
	assert.Equal(t, id, exec.notified[0].id)
	assert.Equal(t, schema.StatusSuccess, exec.notified[0].result.Status)
	assert.Equal(t, float64(3), exec.notified[0].result.Data["revision"])

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, delegate.TaskCompleted, task.Status)
}

func TestNotifyToolFailedTask(t *testing.T) {
	exec := &mockExecutor{}
	s, st := newTestServer(t, exec, nil)
	ctx := context.Background()

	id, err := delegate.NewStoreDispatcher(st).Submit(ctx, &delegate.Task{Type: "HELM_DEPLOY", AccountID: "acc-1", StateExecutionID: "se-1"})
	require.NoError(t, err)

	result, err := s.handleNotify(ctx, buildRequest("cdflow.notify", map[string]any{
		"correlation_id": id, "status": "FAILED", "error_message": "chart not found",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "chart not found", exec.notified[0].result.ErrorMessage)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, delegate.TaskFailed, task.Status)
}

func TestNotifyToolRejected(t *testing.T) {
	exec := &mockExecutor{notifyErr: schema.NewError(schema.ErrCodeValidation, "callback status \"RUNNING\" is not terminal")}
	s, _ := newTestServer(t, exec, nil)

	result, err := s.handleNotify(context.Background(), buildRequest("cdflow.notify", map[string]any{
		"correlation_id": "x", "status": "RUNNING",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not terminal")
}

func TestStatusTool(t *testing.T) {
	exec := &mockExecutor{status: &engine.WorkflowStatus{
		Execution: &store.WorkflowExecution{ID: "wfe-9", Status: schema.StatusWaiting},
	}}
	s, _ := newTestServer(t, exec, nil)

	result, err := s.handleStatus(context.Background(), buildRequest("cdflow.status", map[string]any{"workflow_execution_id": "wfe-9"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "wfe-9")
	assert.Contains(t, text, "WAITING")

	exec.statusErr = schema.NewError(schema.ErrCodeNotFound, "not found")
	result, err = s.handleStatus(context.Background(), buildRequest("cdflow.status", map[string]any{"workflow_execution_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAbortTool(t *testing.T) {
	exec := &mockExecutor{}
	s, _ := newTestServer(t, exec, nil)

	result, err := s.handleAbort(context.Background(), buildRequest("cdflow.abort", map[string]any{"workflow_execution_id": "wfe-1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, []string{"wfe-1"}, exec.aborted)

	result, err = s.handleAbort(context.Background(), buildRequest("cdflow.abort", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEventsTool(t *testing.T) {
	s, st := newTestServer(t, &mockExecutor{}, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.AppendEvent(ctx, &store.Event{WorkflowExecutionID: "wfe-1", Type: schema.EventWorkflowStarted, Timestamp: now}))
	require.NoError(t, st.AppendEvent(ctx, &store.Event{WorkflowExecutionID: "wfe-1", StateExecutionID: "se-1", Type: schema.EventStateStarted, Timestamp: now}))

	result, err := s.handleEvents(ctx, buildRequest("cdflow.events", map[string]any{
		"filter": map[string]any{"workflow_execution_id": "wfe-1"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var all struct {
		Count int `json:"count"`
	}
	unmarshalResult(t, result, &all)
	assert.Equal(t, 2, all.Count)

	result, err = s.handleEvents(ctx, buildRequest("cdflow.events", map[string]any{
		"filter": map[string]any{"workflow_execution_id": "wfe-1", "event_type": schema.EventStateStarted},
	}))
	require.NoError(t, err)
	var typed struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &typed)
	require.Len(t, typed.Events, 1)
	assert.Equal(t, "se-1", typed.Events[0].StateExecutionID)

	result, err = s.handleEvents(ctx, buildRequest("cdflow.events", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTasksToolListsPendingAndSubscribes(t *testing.T) {
	s, st := newTestServer(t, &mockExecutor{}, nil)
	ctx := context.Background()
	d := delegate.NewStoreDispatcher(st)
	_, err := d.Submit(ctx, &delegate.Task{Type: "HELM_DEPLOY", AccountID: "acc-1", StateExecutionID: "se-1"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, &delegate.Task{Type: "SHELL_SCRIPT", AccountID: "acc-1", StateExecutionID: "se-2"})
	require.NoError(t, err)

	result, err := s.handleTasks(ctx, buildRequest("cdflow.tasks", map[string]any{
		"filter":     map[string]any{"type": "HELM_DEPLOY"},
		"agent_id":   "helm-agent",
		"task_types": []any{"HELM_DEPLOY"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Tasks []delegate.Task `json:"tasks"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "se-1", out.Tasks[0].StateExecutionID)

	// No MCP session in the context, so the agent is not connected yet.
	assert.Empty(t, s.Sessions().Subscribers("HELM_DEPLOY"))
	s.Sessions().Register("helm-agent", "s-1")
	assert.Equal(t, []string{"helm-agent"}, s.Sessions().Subscribers("HELM_DEPLOY"))
}

func TestApproveTool(t *testing.T) {
	exec := &mockExecutor{}
	s, st := newTestServer(t, exec, nil)
	ctx := context.Background()
	require.NoError(t, st.CreateApproval(ctx, &approval.Approval{
		ID: "ap-1", StateExecutionID: "se-1", WorkflowExecutionID: "wfe-1", AccountID: "acc-1",
		Approvers: []string{"alice"}, Status: approval.StatusPending, CreatedAt: time.Now().UTC(),
	}))

	result, err := s.handleApprove(ctx, buildRequest("cdflow.approve", map[string]any{
		"approval_id": "ap-1", "approve": false, "decided_by": "mallory",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "non-approvers cannot decide")
	assert.Empty(t, exec.notified)

	result, err = s.handleApprove(ctx, buildRequest("cdflow.approve", map[string]any{
		"approval_id": "ap-1", "approve": true, "decided_by": "alice", "comments": "ship it",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	require.Len(t, exec.notified, 1)
	assert.Equal(t, "ap-1", exec.notified[0].id)
	assert.Equal(t, schema.StatusSuccess, exec.notified[0].result.Status)

	result, err = s.handleApprove(ctx, buildRequest("cdflow.approve", map[string]any{
		"approval_id": "ap-1", "approve": false, "decided_by": "alice",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "an approval is decided once")
}

func TestReleasePermitsTool(t *testing.T) {
	exec := &mockExecutor{}
	s, st := newTestServer(t, exec, nil)
	ctx := context.Background()

	result, err := s.handleConstraint(ctx, buildRequest("cdflow.define_constraint", map[string]any{
		"id": "rc-1", "name": "db-migrations", "account_id": "acc-1", "capacity": float64(1),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	gate := permits.NewGate(st)
	holder := func(wfeID string) execution.Context {
		return execution.NewContext(&execution.Instance{ID: "se-" + wfeID, AppID: "app-1", AccountID: "acc-1", WorkflowExecutionID: wfeID}, nil)
	}
	req := permits.Request{ConstraintID: "rc-1", Scope: schema.ScopeWorkflow, Mode: schema.AcquireAccumulate, Permits: 1}
	first, err := gate.Acquire(ctx, req, holder("wfe-1"))
	require.NoError(t, err)
	require.Equal(t, permits.DecisionProceed, first.Decision)
	second, err := gate.Acquire(ctx, req, holder("wfe-2"))
	require.NoError(t, err)
	require.Equal(t, permits.DecisionQueue, second.Decision)

	result, err = s.handleReleasePermits(ctx, buildRequest("cdflow.release_permits", map[string]any{
		"scope": "WORKFLOW", "entity_key": "wfe-1", "app_id": "app-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Activated []string `json:"activated"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []string{second.PermitID}, out.Activated)
	require.Len(t, exec.notified, 1)
	assert.Equal(t, second.PermitID, exec.notified[0].id)
	assert.Equal(t, "PROCEED", exec.notified[0].result.Data["decision"])
}

func TestConstraintToolRejectsZeroCapacity(t *testing.T) {
	s, _ := newTestServer(t, &mockExecutor{}, nil)
	result, err := s.handleConstraint(context.Background(), buildRequest("cdflow.define_constraint", map[string]any{
		"id": "rc-1", "name": "n", "account_id": "acc-1", "capacity": "0",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestFlagTool(t *testing.T) {
	s, st := newTestServer(t, &mockExecutor{}, nil)
	ctx := context.Background()

	result, err := s.handleFlag(ctx, buildRequest("cdflow.set_flag", map[string]any{
		"flag": "SKIP_ROLLBACK", "account_id": "acc-1", "enabled": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	on, err := st.FeatureFlagEnabled(ctx, "SKIP_ROLLBACK", "acc-1")
	require.NoError(t, err)
	assert.True(t, on)
}

func TestExtractInt(t *testing.T) {
	m := map[string]any{"f": float64(7), "i": 3, "s": "12", "bad": "x"}
	assert.Equal(t, 7, extractInt(m, "f", 0))
	assert.Equal(t, 3, extractInt(m, "i", 0))
	assert.Equal(t, 12, extractInt(m, "s", 0))
	assert.Equal(t, 5, extractInt(m, "bad", 5))
	assert.Equal(t, 9, extractInt(m, "missing", 9))
}

func TestDiagramToolFromDefinition(t *testing.T) {
	s, _ := newTestServer(t, &mockExecutor{}, nil)

	result, err := s.handleDiagram(context.Background(), buildRequest("cdflow.diagram", map[string]any{
		"format":     "mermaid",
		"definition": sampleDefinition(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "__start__ --> helm")
}

func TestDiagramToolFromExecution(t *testing.T) {
	exec := &mockExecutor{status: &engine.WorkflowStatus{
		Execution: &store.WorkflowExecution{ID: "wfe-1", Definition: schema.WorkflowDefinition{
			Name:   "deploy",
			States: []schema.StateDefinition{{Name: "helm", Type: schema.StateTypeEnvState, Properties: json.RawMessage(`{"workflowId": "wf-helm"}`)}},
		}},
		Instances: []*execution.Instance{{ID: "i-1", StateName: "helm", Status: schema.StatusFailed}},
	}}
	s, _ := newTestServer(t, exec, nil)

	result, err := s.handleDiagram(context.Background(), buildRequest("cdflow.diagram", map[string]any{
		"format":                "mermaid",
		"workflow_execution_id": "wfe-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "class helm failed")
}

func TestDiagramToolValidation(t *testing.T) {
	s, _ := newTestServer(t, &mockExecutor{}, nil)

	result, err := s.handleDiagram(context.Background(), buildRequest("cdflow.diagram", map[string]any{"format": "ascii"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDiagram(context.Background(), buildRequest("cdflow.diagram", map[string]any{"format": "mermaid"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
