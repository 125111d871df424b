package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-abc")
	sid, ok := r.SessionFor("agent-1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)

	_, ok = r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("agent-1", "session-old")
	r.Register("agent-1", "session-new")

	sid, _ := r.SessionFor("agent-1")
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("agent-1", "session-abc")
	r.Register("agent-2", "session-abc")
	r.Register("agent-3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("agent-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("agent-2")
	assert.False(t, ok)
	_, ok = r.SessionFor("agent-3")
	assert.True(t, ok)
}

func TestSessionRegistry_Subscribers(t *testing.T) {
	r := NewSessionRegistry()
	r.Subscribe("helm-b", "HELM_DEPLOY")
	r.Subscribe("helm-a", "HELM_DEPLOY", "K8S_ROLLBACK")
	r.Subscribe("offline", "HELM_DEPLOY")
	r.Register("helm-a", "s-1")
	r.Register("helm-b", "s-2")

	assert.Equal(t, []string{"helm-a", "helm-b"}, r.Subscribers("HELM_DEPLOY"))
	assert.Equal(t, []string{"helm-a"}, r.Subscribers("K8S_ROLLBACK"))
	assert.Empty(t, r.Subscribers("SHELL_SCRIPT"))

	r.Remove("s-1")
	assert.Equal(t, []string{"helm-b"}, r.Subscribers("HELM_DEPLOY"))

	r.Register("helm-a", "s-3")
	assert.Equal(t, []string{"helm-a", "helm-b"}, r.Subscribers("HELM_DEPLOY"), "subscriptions survive reconnect")
}
