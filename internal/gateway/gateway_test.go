package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardloop/internal/gateway/websocket"
	"guardloop/internal/model"
)

// wireClient bypasses a real *websocket.Conn so tests can register/send
// without sockets, matching the hub's own test helper style.
func wireClient(agentID string) *websocket.Client {
	return websocket.NewTestClient(agentID)
}

func TestHandleHelloEmitsDiscoveredThenOnline(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	g := New(hub)

	g.HandleHello("agent-1", "host-1", model.PlatformWindows)

	select {
	case a := <-g.Discovered():
		assert.Equal(t, "agent-1", a.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a Discovered event")
	}

	g.mu.Lock()
	g.agents["agent-1"].Reachable = false
	g.mu.Unlock()

	g.HandleHello("agent-1", "host-1", model.PlatformWindows)
	select {
	case id := <-g.Online():
		assert.Equal(t, "agent-1", id)
	case <-time.After(time.Second):
		t.Fatal("expected an Online event on reconnect")
	}
}

func TestDeployMonitorIdempotentOnSameVersion(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	g := New(hub)
	g.HandleHello("agent-1", "host-1", model.PlatformWindows)

	c := wireClient("agent-1")
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.IsConnected("agent-1") }, time.Second, time.Millisecond)

	req := DeployMonitorRequest{
		MonitorID:  model.MonitorSession,
		ScriptBlob: []byte("script-v1"),
		IntervalMs: 30000,
		Platforms:  []model.Platform{model.PlatformWindows},
		Version:    "1.0.0",
	}
	require.NoError(t, g.DeployMonitor(context.Background(), "agent-1", req))
	drain(t, c)

	// Redeploy with the same version: no script resend, since the agent
	// already has it.
	require.NoError(t, g.DeployMonitor(context.Background(), "agent-1", req))
	select {
	case <-c.Outbound():
		t.Fatal("expected no redeploy for an unchanged version")
	case <-time.After(50 * time.Millisecond):
	}

	// A newer version forces a redeploy.
	req.Version = "1.1.0"
	req.ScriptBlob = []byte("script-v1.1")
	require.NoError(t, g.DeployMonitor(context.Background(), "agent-1", req))
	select {
	case <-c.Outbound():
	case <-time.After(time.Second):
		t.Fatal("expected a redeploy for a superseding version")
	}
}

func TestTriggerActionRoutesResponseToWaiter(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	g := New(hub)
	g.HandleHello("agent-1", "host-1", model.PlatformWindows)

	c := wireClient("agent-1")
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.IsConnected("agent-1") }, time.Second, time.Millisecond)

	waiter, err := g.TriggerAction(context.Background(), "agent-1", model.ActionWarn, map[string]string{"message": "5 minutes left"})
	require.NoError(t, err)

	env := <-c.Outbound()
	require.Equal(t, websocket.TypeTriggerAction, env.Type)

	g.handleInbound("agent-1", websocket.Envelope{
		Type:      websocket.TypeActionResponse,
		ActionID:  string(model.ActionWarn),
		RequestID: env.RequestID,
		Success:   true,
	})

	select {
	case resp := <-waiter:
		assert.True(t, resp.Success)
		assert.Equal(t, model.ActionWarn, resp.ActionID)
	case <-time.After(time.Second):
		t.Fatal("expected the triggered action's response")
	}
}

func TestTriggerActionFailsWhenAgentDisconnected(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	g := New(hub)
	g.HandleHello("agent-1", "host-1", model.PlatformWindows)

	_, err := g.TriggerAction(context.Background(), "agent-1", model.ActionWarn, nil)
	require.Error(t, err)
}

func TestMarkOfflineStaleEmitsOffline(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	g := New(hub)
	g.HandleHello("agent-1", "host-1", model.PlatformWindows)

	g.mu.Lock()
	g.agents["agent-1"].LastSeenAt = time.Now().Add(-time.Hour)
	g.mu.Unlock()

	stale := g.MarkOfflineStale(time.Minute, time.Now())
	assert.Equal(t, []string{"agent-1"}, stale)

	select {
	case id := <-g.Offline():
		assert.Equal(t, "agent-1", id)
	case <-time.After(time.Second):
		t.Fatal("expected an Offline event")
	}
}

func TestBindChildThenUnbindClearsBindingAndFocus(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	g := New(hub)
	g.HandleHello("agent-1", "host-1", model.PlatformWindows)

	require.NoError(t, g.BindChild("agent-1", "child-1"))
	require.NoError(t, g.SetFocusActive("agent-1", true))

	a, ok := g.Agent("agent-1")
	require.True(t, ok)
	assert.Equal(t, "child-1", a.ChildID)
	assert.True(t, a.Bound)
	assert.True(t, a.FocusActive)

	require.NoError(t, g.UnbindChild("agent-1"))
	a, ok = g.Agent("agent-1")
	require.True(t, ok)
	assert.Empty(t, a.ChildID)
	assert.False(t, a.Bound)
	assert.False(t, a.FocusActive)
}

func TestBindChildUnknownAgentFails(t *testing.T) {
	hub := websocket.NewHub()
	go hub.Run()
	g := New(hub)
	assert.Error(t, g.BindChild("ghost", "child-1"))
}

func drain(t *testing.T, c *websocket.Client) {
	t.Helper()
	select {
	case <-c.Outbound():
	case <-time.After(time.Second):
		t.Fatal("expected an outbound envelope")
	}
}
