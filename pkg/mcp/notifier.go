package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/cdflow/internal/delegate"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// TaskFeed is a delegate.Dispatcher that forwards to another dispatcher and
// then pushes a task_dispatched notification to every agent subscribed to
// the task's type. Until Bind is called it only forwards.
type TaskFeed struct {
	next   delegate.Dispatcher
	logger *slog.Logger

	mu       sync.RWMutex
	notifier AgentNotifier
	sessions *SessionRegistry
}

// NewTaskFeed wraps next.
func NewTaskFeed(next delegate.Dispatcher, logger *slog.Logger) *TaskFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskFeed{next: next, logger: logger}
}

// Bind sets the notifier and the registry used to find subscribers.
func (f *TaskFeed) Bind(notifier AgentNotifier, sessions *SessionRegistry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifier = notifier
	f.sessions = sessions
}

// Submit implements delegate.Dispatcher.
func (f *TaskFeed) Submit(ctx context.Context, task *delegate.Task) (string, error) {
	id, err := f.next.Submit(ctx, task)
	if err != nil {
		return id, err
	}

	f.mu.RLock()
	notifier, sessions := f.notifier, f.sessions
	f.mu.RUnlock()
	if notifier == nil || sessions == nil {
		return id, nil
	}

	payload := map[string]any{
		"event":              "task_dispatched",
		"task_id":            id,
		"task_type":          task.Type,
		"app_id":             task.AppID,
		"state_execution_id": task.StateExecutionID,
	}
	for _, agentID := range sessions.Subscribers(task.Type) {
		if nerr := notifier.Notify(ctx, agentID, payload); nerr != nil {
			f.logger.WarnContext(ctx, "push task notification", "agent_id", agentID, "task_id", id, "error", nerr)
		}
	}
	return id, nil
}
