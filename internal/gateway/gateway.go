// Package gateway implements the Agent Gateway contract (§4.1): deploying
// monitor/action scripts to remote agents, dispatching actions, and
// surfacing their telemetry and reachability as event streams.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"guardloop/internal/corerr"
	"guardloop/internal/gateway/websocket"
	"guardloop/internal/model"
	"guardloop/pkg/logger"
)

// DeployMonitorRequest mirrors deployMonitor's argument shape (§4.1).
type DeployMonitorRequest struct {
	MonitorID  model.MonitorID
	ScriptBlob []byte
	IntervalMs int
	Platforms  []model.Platform
	Version    string
}

// DeployActionRequest mirrors deployAction's argument shape.
type DeployActionRequest struct {
	ActionID   model.ActionID
	ScriptBlob []byte
	Platforms  []model.Platform
	Version    string
}

// ActionResponse is what triggerAction's response stream delivers.
type ActionResponse struct {
	AgentID string
	ActionID model.ActionID
	Success bool
	Error   string
	Args    json.RawMessage
}

// TelemetryEvent is one decoded monitor payload.
type TelemetryEvent struct {
	AgentID   string
	MonitorID model.MonitorID
	Payload   json.RawMessage
	At        time.Time
}

// Gateway implements the Agent Gateway contract over the websocket hub.
// Its event channels are the sole entry point into the Supervisor: every
// other component reacts to what Gateway observes.
type Gateway struct {
	hub *websocket.Hub

	mu       sync.RWMutex
	agents   map[string]*model.Agent
	pending  map[string]chan ActionResponse // requestID -> waiter

	discovered chan *model.Agent
	telemetry  chan TelemetryEvent
	actionResp chan ActionResponse
	online     chan string
	offline    chan string
}

// New creates a Gateway driven by hub. Call Run to start its event loop.
func New(hub *websocket.Hub) *Gateway {
	g := &Gateway{
		hub:        hub,
		agents:     make(map[string]*model.Agent),
		pending:    make(map[string]chan ActionResponse),
		discovered: make(chan *model.Agent, 16),
		telemetry:  make(chan TelemetryEvent, 256),
		actionResp: make(chan ActionResponse, 64),
		online:     make(chan string, 16),
		offline:    make(chan string, 16),
	}
	hub.SetInboundHandler(g.handleInbound)
	hub.SetDisconnectHandler(g.handleDisconnect)
	hub.SetHelloHandler(func(agentID, hostname, platform string) {
		g.HandleHello(agentID, hostname, model.Platform(platform))
	})
	return g
}

// Discovered emits an event whenever a previously-unseen agent connects.
func (g *Gateway) Discovered() <-chan *model.Agent { return g.discovered }

// Telemetry emits every decoded monitor payload.
func (g *Gateway) Telemetry() <-chan TelemetryEvent { return g.telemetry }

// ActionResponses emits every triggerAction result not claimed by a
// synchronous TriggerAction waiter.
func (g *Gateway) ActionResponses() <-chan ActionResponse { return g.actionResp }

// Online emits agentIDs transitioning from offline to reachable.
func (g *Gateway) Online() <-chan string { return g.online }

// Offline emits agentIDs transitioning to unreachable.
func (g *Gateway) Offline() <-chan string { return g.offline }

func (g *Gateway) handleInbound(agentID string, env websocket.Envelope) {
	switch env.Type {
	case websocket.TypeTelemetry:
		g.telemetry <- TelemetryEvent{
			AgentID:   agentID,
			MonitorID: model.MonitorID(env.MonitorID),
			Payload:   env.Payload,
			At:        time.Now(),
		}
	case websocket.TypeActionResponse:
		resp := ActionResponse{
			AgentID:  agentID,
			ActionID: model.ActionID(env.ActionID),
			Success:  env.Success,
			Error:    env.Error,
			Args:     env.Args,
		}
		g.mu.Lock()
		waiter, ok := g.pending[env.RequestID]
		if ok {
			delete(g.pending, env.RequestID)
		}
		g.mu.Unlock()
		if ok {
			waiter <- resp
			close(waiter)
		} else {
			g.actionResp <- resp
		}
	}
}

func (g *Gateway) handleDisconnect(agentID string) {
	g.mu.Lock()
	agent, ok := g.agents[agentID]
	if ok {
		agent.Reachable = false
	}
	g.mu.Unlock()
	if ok {
		g.offline <- agentID
	}
}

// HandleHello registers a newly connected agent, emitting Discovered for a
// new ID and Online for a reconnecting one.
func (g *Gateway) HandleHello(agentID, hostname string, platform model.Platform) {
	g.mu.Lock()
	agent, known := g.agents[agentID]
	if !known {
		agent = &model.Agent{
			ID:       agentID,
			Hostname: hostname,
			Platform: platform,
			Scripts:  make(map[string]model.ScriptManifest),
			Enabled:  true,
		}
		g.agents[agentID] = agent
	}
	agent.Hostname = hostname
	agent.Platform = platform
	agent.Reachable = true
	agent.LastSeenAt = time.Now()
	g.mu.Unlock()

	if !known {
		g.discovered <- agent
	} else {
		g.online <- agentID
	}
}

// ListAgents returns a snapshot of every known agent.
func (g *Gateway) ListAgents() []*model.Agent {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*model.Agent, 0, len(g.agents))
	for _, a := range g.agents {
		out = append(out, a.Clone())
	}
	return out
}

// Agent returns one agent's current snapshot.
func (g *Gateway) Agent(agentID string) (*model.Agent, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.agents[agentID]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Touch marks agentID as seen at now, used on every telemetry arrival.
func (g *Gateway) Touch(agentID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.agents[agentID]; ok {
		a.LastSeenAt = now
		a.Reachable = true
	}
}

// BindChild associates agentID with childID, used by the Control API's
// linkAgent command. The caller (Control API) maps the agent's current
// session username to childID when that username has no mapping yet (§3);
// BindChild itself writes no user mapping.
func (g *Gateway) BindChild(agentID, childID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[agentID]
	if !ok {
		return corerr.AgentUnavailable(agentID, fmt.Errorf("unknown agent"))
	}
	a.ChildID = childID
	a.Bound = true
	return nil
}

// UnbindChild clears agentID's child binding, used by unlinkAgent.
func (g *Gateway) UnbindChild(agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[agentID]
	if !ok {
		return corerr.AgentUnavailable(agentID, fmt.Errorf("unknown agent"))
	}
	a.ChildID = ""
	a.Bound = false
	a.FocusActive = false
	return nil
}

// SetEnabled toggles whether agentID participates in enforcement.
func (g *Gateway) SetEnabled(agentID string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[agentID]
	if !ok {
		return corerr.AgentUnavailable(agentID, fmt.Errorf("unknown agent"))
	}
	a.Enabled = enabled
	return nil
}

// SetFocusActive records whether the child's focus-mode profile is
// currently layered onto agentID's rule evaluation, used by
// triggerFocusMode.
func (g *Gateway) SetFocusActive(agentID string, active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.agents[agentID]
	if !ok {
		return corerr.AgentUnavailable(agentID, fmt.Errorf("unknown agent"))
	}
	a.FocusActive = active
	return nil
}

// SetCurrentSession records agentID's live session, set by the Session
// Tracker on every session telemetry tick.
func (g *Gateway) SetCurrentSession(agentID string, session *model.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.agents[agentID]; ok {
		a.CurrentSession = session
	}
}

// DeployMonitor is idempotent: redeploying the same monitorID only updates
// the interval unless the supplied semver Version supersedes the deployed
// one, in which case the script blob is resent.
func (g *Gateway) DeployMonitor(ctx context.Context, agentID string, req DeployMonitorRequest) error {
	return g.deployScript(ctx, agentID, string(req.MonitorID), true, req.ScriptBlob, req.IntervalMs, req.Platforms, req.Version)
}

// UpdateMonitor changes only a deployed monitor's interval.
func (g *Gateway) UpdateMonitor(ctx context.Context, agentID string, monitorID model.MonitorID, intervalMs int) error {
	g.mu.Lock()
	agent, ok := g.agents[agentID]
	if !ok {
		g.mu.Unlock()
		return corerr.AgentUnavailable(agentID, fmt.Errorf("unknown agent"))
	}
	m, ok := agent.Scripts[string(monitorID)]
	if !ok {
		g.mu.Unlock()
		return corerr.InvalidConfig("monitorID", "monitor not deployed")
	}
	m.IntervalMs = intervalMs
	agent.Scripts[string(monitorID)] = m
	g.mu.Unlock()

	env := websocket.Envelope{Type: websocket.TypeUpdateMonitor, ActionID: string(monitorID), IntervalMs: intervalMs}
	return g.send(agentID, env)
}

// RemoveMonitor removes a deployed monitor from an agent.
func (g *Gateway) RemoveMonitor(ctx context.Context, agentID string, monitorID model.MonitorID) error {
	g.mu.Lock()
	if agent, ok := g.agents[agentID]; ok {
		delete(agent.Scripts, string(monitorID))
	}
	g.mu.Unlock()

	env := websocket.Envelope{Type: websocket.TypeRemoveMonitor, ActionID: string(monitorID)}
	return g.send(agentID, env)
}

// DeployAction deploys one of the four required action scripts.
func (g *Gateway) DeployAction(ctx context.Context, agentID string, req DeployActionRequest) error {
	return g.deployScript(ctx, agentID, string(req.ActionID), false, req.ScriptBlob, 0, req.Platforms, req.Version)
}

func (g *Gateway) deployScript(ctx context.Context, agentID, scriptID string, isMonitor bool, blob []byte, intervalMs int, platforms []model.Platform, version string) error {
	g.mu.Lock()
	agent, ok := g.agents[agentID]
	if !ok {
		g.mu.Unlock()
		return corerr.AgentUnavailable(agentID, fmt.Errorf("unknown agent"))
	}

	existing, hadScript := agent.Scripts[scriptID]
	needsRedeploy := !hadScript || versionSupersedes(version, existing.Version)

	agent.Scripts[scriptID] = model.ScriptManifest{
		ID:         scriptID,
		IsMonitor:  isMonitor,
		IntervalMs: intervalMs,
		Platforms:  platforms,
		Version:    version,
	}
	g.mu.Unlock()

	if hadScript && !needsRedeploy {
		// Idempotent no-op: same or older version, nothing to resend.
		if isMonitor && existing.IntervalMs != intervalMs {
			return g.UpdateMonitor(ctx, agentID, model.MonitorID(scriptID), intervalMs)
		}
		return nil
	}

	platformStrs := make([]string, len(platforms))
	for i, p := range platforms {
		platformStrs[i] = string(p)
	}

	env := websocket.Envelope{
		ActionID:   scriptID,
		ScriptBlob: blob,
		IntervalMs: intervalMs,
		Platforms:  platformStrs,
		Version:    version,
	}
	if isMonitor {
		env.Type = websocket.TypeDeployMonitor
	} else {
		env.Type = websocket.TypeDeployAction
	}
	return g.send(agentID, env)
}

// versionSupersedes reports whether candidate is a strictly newer semver
// than current. Malformed versions are treated as always-redeploy, since
// an unparseable version can't be trusted to dedupe against.
func versionSupersedes(candidate, current string) bool {
	if current == "" {
		return true
	}
	cv, err := semver.NewVersion(candidate)
	if err != nil {
		return true
	}
	ev, err := semver.NewVersion(current)
	if err != nil {
		return true
	}
	return cv.GreaterThan(ev)
}

// TriggerAction invokes an action on agentID and returns a channel that
// receives its single response.
func (g *Gateway) TriggerAction(ctx context.Context, agentID string, actionID model.ActionID, args any) (<-chan ActionResponse, error) {
	g.mu.RLock()
	_, known := g.agents[agentID]
	g.mu.RUnlock()
	if !known {
		return nil, corerr.AgentUnavailable(agentID, fmt.Errorf("unknown agent"))
	}
	if !g.hub.IsConnected(agentID) {
		return nil, corerr.AgentUnavailable(agentID, fmt.Errorf("not connected"))
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal action args: %w", err)
	}

	requestID := uuid.New().String()
	waiter := make(chan ActionResponse, 1)

	g.mu.Lock()
	g.pending[requestID] = waiter
	g.mu.Unlock()

	env := websocket.Envelope{
		Type:      websocket.TypeTriggerAction,
		ActionID:  string(actionID),
		Args:      argsJSON,
		RequestID: requestID,
	}
	if err := g.send(agentID, env); err != nil {
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return nil, err
	}
	return waiter, nil
}

func (g *Gateway) send(agentID string, env websocket.Envelope) error {
	if !g.hub.IsConnected(agentID) {
		return corerr.AgentUnavailable(agentID, fmt.Errorf("not connected"))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	g.hub.SendTo(agentID, data)
	return nil
}

// MarkOfflineStale flags any agent whose last telemetry predates cutoff as
// unreachable, per the 3x report-interval offline rule (§3 Lifecycle).
func (g *Gateway) MarkOfflineStale(cutoff time.Duration, now time.Time) []string {
	g.mu.Lock()
	var newlyOffline []string
	for id, a := range g.agents {
		if a.Reachable && now.Sub(a.LastSeenAt) > cutoff {
			a.Reachable = false
			newlyOffline = append(newlyOffline, id)
		}
	}
	g.mu.Unlock()

	for _, id := range newlyOffline {
		logger.Warn().Str("agent_id", id).Msg("agent telemetry gap exceeded offline threshold")
		g.offline <- id
	}
	return newlyOffline
}
