// Package mcp exposes the executor's control surface as MCP tools: starting
// workflow executions, delivering delegate callbacks and approval decisions,
// releasing permits and querying status, events and pending tasks.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cdflow/internal/approval"
	"github.com/rendis/cdflow/internal/engine"
	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/internal/validation"
)

// ServerDeps holds the dependencies for creating a CDFlowServer.
type ServerDeps struct {
	Executor  engine.Executor
	Store     store.Store
	Approvals *approval.Service
	Gate      *permits.Gate
	Validator validation.Validator // optional
	Factory   *states.Factory      // compiles definitions for diagrams; optional
	Feed      *TaskFeed            // optional; bound to the server's notifier
	Logger    *slog.Logger
}

// CDFlowServer wraps an MCP server with cdflow tool handlers.
type CDFlowServer struct {
	executor  engine.Executor
	store     store.Store
	approvals *approval.Service
	gate      *permits.Gate
	validator validation.Validator
	factory   *states.Factory
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewCDFlowServer creates a CDFlowServer with every tool registered.
func NewCDFlowServer(deps ServerDeps) *CDFlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CDFlowServer{
		executor:  deps.Executor,
		store:     deps.Store,
		approvals: deps.Approvals,
		gate:      deps.Gate,
		validator: deps.Validator,
		factory:   deps.Factory,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"cdflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("cdflow executes continuous-delivery workflow graphs. Use cdflow.start to run a workflow, "+
			"cdflow.tasks to poll delegate work, cdflow.notify to report a task result, cdflow.approve to decide a pause, "+
			"and cdflow.status or cdflow.events to follow progress."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	if deps.Feed != nil {
		deps.Feed.Bind(NewMCPNotifier(mcpSrv, s.sessions), s.sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CDFlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CDFlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent session registry.
func (s *CDFlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *CDFlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: notifyTool(), Handler: s.handleNotify},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: tasksTool(), Handler: s.handleTasks},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: releasePermitsTool(), Handler: s.handleReleasePermits},
		{Tool: constraintTool(), Handler: s.handleConstraint},
		{Tool: flagTool(), Handler: s.handleFlag},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("cdflow.start",
		mcp.WithDescription("Start a workflow execution from a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: name, initial_state, states, transitions")),
		mcp.WithString("app_id", mcp.Required(), mcp.Description("Application the workflow deploys")),
		mcp.WithString("account_id", mcp.Required(), mcp.Description("Owning account")),
		mcp.WithString("workflow_id", mcp.Description("Workflow id (default: definition name)")),
		mcp.WithString("pipeline_execution_id", mcp.Description("Enclosing pipeline execution, if any")),
		mcp.WithObject("context_params", mcp.Description("String context parameters such as phaseName")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent")),
	)
}

func notifyTool() mcp.Tool {
	return mcp.NewTool("cdflow.notify",
		mcp.WithDescription("Deliver the result of a delegate task or other awaited unit of work"),
		mcp.WithString("correlation_id", mcp.Required(), mcp.Description("Task, child or permit id being answered")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum("SUCCESS", "FAILED", "REJECTED", "SKIPPED", "ERROR", "ABORTED", "EXPIRED"),
			mcp.Description("Terminal status of the work"),
		),
		mcp.WithString("error_message", mcp.Description("Failure detail")),
		mcp.WithObject("data", mcp.Description("Output data recorded for the state")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cdflow.status",
		mcp.WithDescription("Get workflow execution status"),
		mcp.WithString("workflow_execution_id", mcp.Required(), mcp.Description("ID of the workflow execution")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("cdflow.abort",
		mcp.WithDescription("Abort a running workflow execution"),
		mcp.WithString("workflow_execution_id", mcp.Required(), mcp.Description("ID of the workflow execution")),
		mcp.WithString("reason", mcp.Description("Why the execution is aborted")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("cdflow.events",
		mcp.WithDescription("Query the execution event log"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_execution_id, state_execution_id, event_type, since, limit)")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("cdflow.tasks",
		mcp.WithDescription("List delegate tasks and subscribe to new ones"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, type, state_execution_id, limit)")),
		mcp.WithString("agent_id", mcp.Description("Delegate id; with task_types, subscribes the session to new tasks")),
		mcp.WithArray("task_types", mcp.Description("Task types the delegate handles"), mcp.WithStringItems()),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("cdflow.approve",
		mcp.WithDescription("Approve or reject a paused state"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("Approval id the pause state waits on")),
		mcp.WithBoolean("approve", mcp.Required(), mcp.Description("true approves, false rejects")),
		mcp.WithString("decided_by", mcp.Required(), mcp.Description("Deciding user")),
		mcp.WithString("comments", mcp.Description("Decision comments")),
	)
}

func releasePermitsTool() mcp.Tool {
	return mcp.NewTool("cdflow.release_permits",
		mcp.WithDescription("Release the resource constraint permits held by a holder and wake queued holders"),
		mcp.WithString("scope", mcp.Required(), mcp.Enum("WORKFLOW", "PHASE", "PIPELINE"), mcp.Description("Holding scope")),
		mcp.WithString("entity_key", mcp.Required(), mcp.Description("Holder key: workflow execution id, or <id>|<phase>")),
		mcp.WithString("app_id", mcp.Required(), mcp.Description("Application of the holder")),
	)
}

func constraintTool() mcp.Tool {
	return mcp.NewTool("cdflow.define_constraint",
		mcp.WithDescription("Define a resource constraint"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Constraint id referenced by resource constraint states")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Constraint name, the default resource unit")),
		mcp.WithString("account_id", mcp.Required(), mcp.Description("Owning account")),
		mcp.WithNumber("capacity", mcp.Required(), mcp.Description("Permits available per resource unit")),
	)
}

func flagTool() mcp.Tool {
	return mcp.NewTool("cdflow.set_flag",
		mcp.WithDescription("Enable or disable a feature flag for an account"),
		mcp.WithString("flag", mcp.Required(), mcp.Description("Feature flag name")),
		mcp.WithString("account_id", mcp.Required(), mcp.Description("Account the flag applies to")),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Flag value")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("cdflow.diagram",
		mcp.WithDescription("Render a workflow graph, optionally with the statuses of an execution"),
		mcp.WithString("format", mcp.Required(), mcp.Enum("mermaid", "png", "svg"), mcp.Description("Output format")),
		mcp.WithString("workflow_execution_id", mcp.Description("Render the definition of this execution with its statuses")),
		mcp.WithObject("definition", mcp.Description("Render this definition instead")),
	)
}
