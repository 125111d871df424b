package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cdflow/internal/delegate"
	"github.com/rendis/cdflow/internal/diagram"
	"github.com/rendis/cdflow/internal/engine"
	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/pkg/schema"
)

// handleStart validates a definition and starts a workflow execution.
func (s *CDFlowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	appID, err := req.RequireString("app_id")
	if err != nil {
		return mcp.NewToolResultError("app_id is required"), nil
	}
	accountID, err := req.RequireString("account_id")
	if err != nil {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	args := req.GetArguments()
	rawDef, ok := args["definition"]
	if !ok || rawDef == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	def, err := decodeDefinition(rawDef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	params := mcp.ParseStringMap(req, "context_params", nil)
	contextParams := stringMap(params)

	if s.validator != nil {
		if err := s.validator.ValidateDefinition(def); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", err)), nil
		}
		if err := s.validator.ValidateContextParams(def, contextParams); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("context params rejected: %v", err)), nil
		}
	}

	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	wfe, err := s.executor.Start(ctx, engine.StartRequest{
		WorkflowID:          req.GetString("workflow_id", def.Name),
		AppID:               appID,
		AccountID:           accountID,
		PipelineExecutionID: req.GetString("pipeline_execution_id", ""),
		Definition:          *def,
		ContextParams:       contextParams,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"workflow_execution_id": wfe.ID,
		"status":                wfe.Status,
	})
}

// handleNotify delivers a delegate result to the executor.
func (s *CDFlowServer) handleNotify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, err := req.RequireString("correlation_id")
	if err != nil {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}
	status, err := req.RequireString("status")
	if err != nil {
		return mcp.NewToolResultError("status is required"), nil
	}

	cb := &schema.Callback{
		CorrelationID: correlationID,
		Status:        schema.ExecutionStatus(status),
		ErrorMessage:  req.GetString("error_message", ""),
	}
	if data, ok := req.GetArguments()["data"].(map[string]any); ok {
		cb.Data = data
	}

	if err := s.executor.Notify(ctx, correlationID, execution.ResultFromCallback(cb)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("notify failed: %v", err)), nil
	}
	s.settleTask(ctx, cb)

	return marshalResult(map[string]any{
		"correlation_id": correlationID,
		"accepted":       true,
	})
}

// settleTask records the outcome on the delegate task the callback answers,
// if there is one. Permit and child correlation ids have no task.
func (s *CDFlowServer) settleTask(ctx context.Context, cb *schema.Callback) {
	task, err := s.store.GetTask(ctx, cb.CorrelationID)
	if err != nil || task == nil || task.Status != delegate.TaskPending {
		return
	}
	status := delegate.TaskFailed
	if cb.Status.IsPositive() {
		status = delegate.TaskCompleted
	}
	if err := s.store.UpdateTaskStatus(ctx, task.ID, status); err != nil {
		s.logger.WarnContext(ctx, "update task status", "task_id", task.ID, "error", err)
	}
}

// handleStatus returns a workflow execution snapshot.
func (s *CDFlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wfeID, err := req.RequireString("workflow_execution_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_execution_id is required"), nil
	}
	status, err := s.executor.Status(ctx, wfeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
	}
	return marshalResult(status)
}

// handleAbort aborts a workflow execution.
func (s *CDFlowServer) handleAbort(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wfeID, err := req.RequireString("workflow_execution_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_execution_id is required"), nil
	}
	reason := req.GetString("reason", "aborted by request")
	if err := s.executor.Abort(ctx, wfeID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abort failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"workflow_execution_id": wfeID,
		"status":                schema.StatusAborted,
	})
}

// handleEvents queries the event log.
func (s *CDFlowServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	eventType, _ := filter["event_type"].(string)
	wfeID, _ := filter["workflow_execution_id"].(string)
	if eventType == "" && wfeID == "" {
		return mcp.NewToolResultError("filter requires workflow_execution_id or event_type"), nil
	}

	var (
		events []*store.Event
		err    error
	)
	if eventType == "" {
		events, err = s.store.GetEvents(ctx, wfeID, int64(extractInt(filter, "since_sequence", 0)))
	} else {
		ef := store.EventFilter{WorkflowExecutionID: wfeID, Limit: extractInt(filter, "limit", 0)}
		ef.StateExecutionID, _ = filter["state_execution_id"].(string)
		if since, ok := filter["since"].(string); ok && since != "" {
			t, perr := time.Parse(time.RFC3339, since)
			if perr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", perr)), nil
			}
			ef.Since = &t
		}
		events, err = s.store.GetEventsByType(ctx, eventType, ef)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events, "count": len(events)})
}

// handleTasks lists delegate tasks. With agent_id and task_types the calling
// session also receives a push for every task of those types dispatched later.
func (s *CDFlowServer) handleTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)
	tf := store.TaskFilter{Limit: extractInt(filter, "limit", 0)}
	tf.Status, _ = filter["status"].(string)
	tf.Type, _ = filter["type"].(string)
	tf.StateExecutionID, _ = filter["state_execution_id"].(string)
	if tf.Status == "" && tf.StateExecutionID == "" {
		tf.Status = string(delegate.TaskPending)
	}

	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
		if types := req.GetStringSlice("task_types", nil); len(types) > 0 {
			s.sessions.Subscribe(agentID, types...)
		}
	}

	tasks, err := s.store.ListTasks(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	if tasks == nil {
		tasks = []*delegate.Task{}
	}
	return marshalResult(map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleApprove records an approval decision and resumes the paused state.
func (s *CDFlowServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.approvals == nil {
		return mcp.NewToolResultError("approvals are not configured"), nil
	}
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	approve, err := req.RequireBool("approve")
	if err != nil {
		return mcp.NewToolResultError("approve is required"), nil
	}
	decidedBy, err := req.RequireString("decided_by")
	if err != nil {
		return mcp.NewToolResultError("decided_by is required"), nil
	}

	cb, err := s.approvals.Decide(ctx, approvalID, approve, decidedBy, req.GetString("comments", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", err)), nil
	}
	if err := s.executor.Notify(ctx, cb.CorrelationID, execution.ResultFromCallback(cb)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"approval_id": approvalID,
		"status":      cb.Status,
	})
}

// handleReleasePermits frees a holder's permits and resumes every state
// whose queued permit became active.
func (s *CDFlowServer) handleReleasePermits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.gate == nil {
		return mcp.NewToolResultError("resource constraints are not configured"), nil
	}
	scope, err := req.RequireString("scope")
	if err != nil {
		return mcp.NewToolResultError("scope is required"), nil
	}
	entityKey, err := req.RequireString("entity_key")
	if err != nil {
		return mcp.NewToolResultError("entity_key is required"), nil
	}
	appID, err := req.RequireString("app_id")
	if err != nil {
		return mcp.NewToolResultError("app_id is required"), nil
	}

	activated, err := s.gate.Release(ctx, schema.HoldingScope(scope), entityKey, appID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("release failed: %v", err)), nil
	}
	for _, id := range activated {
		err := s.executor.Notify(ctx, id, execution.Result{
			Status: schema.StatusSuccess,
			Data:   map[string]any{"permitId": id, "decision": string(permits.DecisionProceed)},
		})
		if err != nil {
			s.logger.WarnContext(ctx, "notify activated permit", "permit_id", id, "error", err)
		}
	}
	if activated == nil {
		activated = []string{}
	}
	return marshalResult(map[string]any{"activated": activated})
}

// handleConstraint defines a resource constraint.
func (s *CDFlowServer) handleConstraint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	accountID, err := req.RequireString("account_id")
	if err != nil {
		return mcp.NewToolResultError("account_id is required"), nil
	}
	capacity := extractInt(req.GetArguments(), "capacity", 0)
	if capacity <= 0 {
		return mcp.NewToolResultError("capacity must be positive"), nil
	}

	c := &permits.Constraint{
		ID:        id,
		Name:      name,
		AccountID: accountID,
		Capacity:  capacity,
		Strategy:  "FIFO",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateConstraint(ctx, c); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define constraint failed: %v", err)), nil
	}
	return marshalResult(c)
}

// handleFlag sets a feature flag for an account.
func (s *CDFlowServer) handleFlag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flag, err := req.RequireString("flag")
	if err != nil {
		return mcp.NewToolResultError("flag is required"), nil
	}
	accountID, err := req.RequireString("account_id")
	if err != nil {
		return mcp.NewToolResultError("account_id is required"), nil
	}
	enabled, err := req.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("enabled is required"), nil
	}
	if err := s.store.SetFeatureFlag(ctx, flag, accountID, enabled); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("set flag failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"flag": flag, "account_id": accountID, "enabled": enabled})
}

// handleDiagram renders a definition, or the definition and statuses of an
// execution.
func (s *CDFlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "mermaid" && format != string(diagram.FormatPNG) && format != string(diagram.FormatSVG) {
		return mcp.NewToolResultError("format must be mermaid, png, or svg"), nil
	}
	if s.factory == nil {
		return mcp.NewToolResultError("diagrams are not configured"), nil
	}

	var (
		def       *schema.WorkflowDefinition
		instances []*execution.Instance
	)
	if wfeID := req.GetString("workflow_execution_id", ""); wfeID != "" {
		status, sErr := s.executor.Status(ctx, wfeID)
		if sErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", sErr)), nil
		}
		def = &status.Execution.Definition
		instances = status.Instances
	} else if raw, ok := req.GetArguments()["definition"]; ok && raw != nil {
		d, dErr := decodeDefinition(raw)
		if dErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", dErr)), nil
		}
		def = d
	} else {
		return mcp.NewToolResultError("one of workflow_execution_id or definition is required"), nil
	}

	model, err := diagram.Build(def, s.factory, instances)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case string(diagram.FormatSVG):
		svg, rErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if rErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", rErr)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		png, rErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if rErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", rErr)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Helpers ---

// captureSession maps the agent to the MCP session of the current request.
func (s *CDFlowServer) captureSession(ctx context.Context, agentID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Register(agentID, session.SessionID())
}

// decodeDefinition round-trips the raw tool argument through JSON into a
// typed definition.
func decodeDefinition(raw any) (*schema.WorkflowDefinition, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = b
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// stringMap keeps string values and formats scalars; context params are
// strings on the wire.
func stringMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func extractInt(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
