package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps agent IDs to MCP session IDs and records which task
// types each agent handles. Populated when agents call a tool with agent_id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string              // agentID → sessionID
	subs     map[string]map[string]struct{} // taskType → agentIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]string),
		subs:     make(map[string]map[string]struct{}),
	}
}

// Register associates an agent ID with a session ID.
// If the agent already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Subscribe records that the agent handles the given task types.
func (r *SessionRegistry) Subscribe(agentID string, taskTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tt := range taskTypes {
		agents, ok := r.subs[tt]
		if !ok {
			agents = make(map[string]struct{})
			r.subs[tt] = agents
		}
		agents[agentID] = struct{}{}
	}
}

// Subscribers returns the connected agents subscribed to a task type, sorted.
func (r *SessionRegistry) Subscribers(taskType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for aid := range r.subs[taskType] {
		if _, ok := r.sessions[aid]; ok {
			out = append(out, aid)
		}
	}
	slices.Sort(out)
	return out
}

// Remove deletes all agent mappings for the given session ID.
// Subscriptions survive so a reconnecting agent keeps receiving tasks.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}
