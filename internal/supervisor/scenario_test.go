package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardloop/internal/accounting"
	"guardloop/internal/clockutil"
	"guardloop/internal/config"
	"guardloop/internal/controlapi"
	"guardloop/internal/dispatch"
	"guardloop/internal/gateway"
	gwws "guardloop/internal/gateway/websocket"
	"guardloop/internal/journal"
	"guardloop/internal/model"
	"guardloop/internal/oracle"
	"guardloop/internal/planner"
	"guardloop/internal/rules"
	"guardloop/internal/session"
)

type fakeActionTrigger struct {
	mu    sync.Mutex
	calls []model.ActionID
}

func (f *fakeActionTrigger) TriggerAction(ctx context.Context, agentID string, actionID model.ActionID, args any) (<-chan gateway.ActionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, actionID)
	f.mu.Unlock()
	out := make(chan gateway.ActionResponse, 1)
	out <- gateway.ActionResponse{AgentID: agentID, ActionID: actionID, Success: true}
	close(out)
	return out, nil
}

func (f *fakeActionTrigger) snapshot() []model.ActionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ActionID{}, f.calls...)
}

type fakeOracleTransport struct {
	mu       sync.Mutex
	verdicts map[string]model.OracleVerdict
}

func newFakeOracleTransport() *fakeOracleTransport {
	return &fakeOracleTransport{verdicts: make(map[string]model.OracleVerdict)}
}

func (f *fakeOracleTransport) setVerdict(childID string, v model.OracleVerdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[childID] = v
}

func (f *fakeOracleTransport) FetchVerdict(ctx context.Context, childID string, activity model.ActivityKind) (model.OracleVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.verdicts[childID]; ok {
		v.ChildID = childID
		v.Activity = activity
		return v, nil
	}
	return model.OracleVerdict{ChildID: childID, Activity: activity, Allowed: true, RemainingSeconds: 3600}, nil
}

func (f *fakeOracleTransport) OpenStateChangeStream(ctx context.Context) (oracle.StateChangeStream, error) {
	return nil, nil
}

type harness struct {
	sup     *Supervisor
	gw      *gateway.Gateway
	store   *config.Store
	trigger *fakeActionTrigger
	oracle  *fakeOracleTransport
	clock   *clockutil.Manual
	api     *controlapi.API
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hub := gwws.NewHub()
	go hub.Run()
	gw := gateway.New(hub)

	store, err := config.NewStore(t.TempDir() + "/state.yaml")
	require.NoError(t, err)

	clock := clockutil.NewManual(time.Date(2026, time.March, 2, 20, 0, 0, 0, time.UTC)) // Monday 8pm
	oracleTransport := newFakeOracleTransport()
	oc := oracle.NewWithTransport(oracleTransport, 60*time.Second, clock)
	acct := accounting.NewAccountant(store)
	evaluator := rules.NewEvaluator()
	p := planner.New(oc, acct)
	trig := &fakeActionTrigger{}
	j := journal.New()
	d := dispatch.New(trig, clock, j)
	tracker := session.NewTracker(store)
	api := controlapi.New(store, gw, p, d, j, clock)

	sup := New(Deps{
		Store:      store,
		Gateway:    gw,
		Oracle:     oc,
		Tracker:    tracker,
		Accountant: acct,
		Evaluator:  evaluator,
		Planner:    p,
		Dispatcher: d,
		Journal:    j,
		API:        api,
		Clock:      clock,
	})
	api.SetTimerCanceller(sup)

	return &harness{sup: sup, gw: gw, store: store, trigger: trig, oracle: oracleTransport, clock: clock, api: api}
}

func (h *harness) bind(t *testing.T, agentID, hostname, childID, username string) {
	t.Helper()
	h.gw.HandleHello(agentID, hostname, model.PlatformWindows)
	require.NoError(t, h.gw.BindChild(agentID, childID))
	require.NoError(t, h.store.Mutate(func(b *config.Blob) error {
		if b.UserMappings[agentID] == nil {
			b.UserMappings[agentID] = make(map[string]string)
		}
		b.UserMappings[agentID][username] = childID
		return nil
	}))
}

func sessionTelemetry(username string) gateway.TelemetryEvent {
	payload, _ := json.Marshal(map[string]any{"username": username, "sessionId": "sess-1", "idleTime": int64(0)})
	return gateway.TelemetryEvent{MonitorID: model.MonitorSession, Payload: payload, At: time.Now()}
}

func processTelemetry(processes []model.ProcessInfo) gateway.TelemetryEvent {
	type procWire struct {
		PID      int            `json:"pid"`
		Name     string         `json:"name"`
		Category model.Category `json:"category"`
	}
	wire := make([]procWire, 0, len(processes))
	for _, p := range processes {
		wire = append(wire, procWire{PID: p.PID, Name: p.Name, Category: p.Category})
	}
	payload, _ := json.Marshal(map[string]any{"processes": wire})
	return gateway.TelemetryEvent{MonitorID: model.MonitorProcess, Payload: payload, At: time.Now()}
}

// S1 — bedtime exhaustion: a child past bedtime gets logged out, with a
// critical pre-logout warning sent first.
func TestScenarioBedtimeLogout(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "a1", "host-1", "child-1", "kid1")
	require.NoError(t, h.store.Mutate(func(b *config.Blob) error {
		b.Children["child-1"] = &model.Child{
			ID: "child-1",
			Bedtime: model.Bedtime{
				Enabled: true,
				Time:    model.ClockTime{Hour: 20, Minute: 0},
				Days:    model.NewDaySet(model.Mon, model.Tue, model.Wed, model.Thu, model.Fri, model.Sat, model.Sun),
			},
		}
		return nil
	}))

	ev := sessionTelemetry("kid1")
	ev.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), ev))

	procEv := processTelemetry(nil)
	procEv.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), procEv))

	calls := h.trigger.snapshot()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls, model.ActionWarn)
}

// S2 — parent login no-op: telemetry for a parent-exempt username never
// reaches the quota pipeline, so no action is ever triggered.
func TestScenarioParentLoginNoOp(t *testing.T) {
	h := newHarness(t)
	h.gw.HandleHello("a1", "host-1", model.PlatformWindows)
	require.NoError(t, h.gw.BindChild("a1", "child-1"))
	require.NoError(t, h.store.Mutate(func(b *config.Blob) error {
		b.Children["child-1"] = &model.Child{ID: "child-1"}
		b.ParentAccounts["a1"] = []string{"dad"}
		return nil
	}))

	ev := sessionTelemetry("dad")
	ev.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), ev))

	procEv := processTelemetry([]model.ProcessInfo{{PID: 1, Name: "chrome.exe"}})
	procEv.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), procEv))

	assert.Empty(t, h.trigger.snapshot())
}

// S3 — blocked process: a running process matching the child's blocklist
// is killed and its companion warning sent.
func TestScenarioBlockedProcessKilledWithWarning(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "a1", "host-1", "child-1", "kid1")
	require.NoError(t, h.store.Mutate(func(b *config.Blob) error {
		b.Children["child-1"] = &model.Child{ID: "child-1", BlockedProcesses: []string{"steam"}}
		return nil
	}))

	ev := sessionTelemetry("kid1")
	ev.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), ev))

	procEv := processTelemetry([]model.ProcessInfo{{PID: 42, Name: "steam.exe"}})
	procEv.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), procEv))

	calls := h.trigger.snapshot()
	assert.Contains(t, calls, model.ActionKill)
	assert.Contains(t, calls, model.ActionWarn)
}

// Quota exhaustion: an oracle verdict reporting zero remaining seconds
// forces an immediate logout, preceded by the dispatcher's own critical
// warning.
func TestScenarioQuotaExhaustedForcesLogout(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "a1", "host-1", "child-1", "kid1")
	require.NoError(t, h.store.Mutate(func(b *config.Blob) error {
		b.Children["child-1"] = &model.Child{ID: "child-1"}
		return nil
	}))
	h.oracle.setVerdict("child-1", model.OracleVerdict{Allowed: true, RemainingSeconds: 0})

	ev := sessionTelemetry("kid1")
	ev.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), ev))

	calls := h.trigger.snapshot()
	assert.Contains(t, calls, model.ActionWarn)
}

// Oracle ban: Property 5 (oracle authority) — a banned verdict forces a
// logout that excludes every other candidate for that tick.
func TestScenarioOracleBanForcesLogout(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "a1", "host-1", "child-1", "kid1")
	require.NoError(t, h.store.Mutate(func(b *config.Blob) error {
		b.Children["child-1"] = &model.Child{ID: "child-1"}
		return nil
	}))
	h.oracle.setVerdict("child-1", model.OracleVerdict{Banned: true})

	ev := sessionTelemetry("kid1")
	ev.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), ev))

	assert.True(t, h.sup.dispatcher.HasPendingLogout("a1"))
}

// S5 — unlink cancels the Scheduled ladder: a quota verdict inside the
// hour arms future Warning/Logout timers, and unlinking the agent from
// its child must cancel every one of them (§5, Property 6).
func TestScenarioUnlinkCancelsScheduledTimers(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "a1", "host-1", "child-1", "kid1")
	require.NoError(t, h.store.Mutate(func(b *config.Blob) error {
		b.Children["child-1"] = &model.Child{ID: "child-1"}
		return nil
	}))
	h.oracle.setVerdict("child-1", model.OracleVerdict{Allowed: true, RemainingSeconds: 1800})

	ev := sessionTelemetry("kid1")
	ev.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), ev))
	require.NotEmpty(t, h.sup.schedule["a1"], "quota pipeline should have armed scheduled warnings/logout")

	require.NoError(t, h.api.UnlinkAgent("a1"))
	assert.Empty(t, h.sup.schedule["a1"], "unlink must cancel every scheduled timer for the agent")
}

// S6 — agent offline cancels the Scheduled ladder: the same armed timers
// from S5 must also be cancelled when the agent goes stale/offline,
// without needing a Control API action at all.
func TestScenarioOfflineCancelsScheduledTimers(t *testing.T) {
	h := newHarness(t)
	h.bind(t, "a1", "host-1", "child-1", "kid1")
	require.NoError(t, h.store.Mutate(func(b *config.Blob) error {
		b.Children["child-1"] = &model.Child{ID: "child-1"}
		return nil
	}))
	h.oracle.setVerdict("child-1", model.OracleVerdict{Allowed: true, RemainingSeconds: 1800})

	ev := sessionTelemetry("kid1")
	ev.AgentID = "a1"
	require.NoError(t, h.sup.handleTelemetry(context.Background(), ev))
	require.NotEmpty(t, h.sup.schedule["a1"], "quota pipeline should have armed scheduled warnings/logout")

	h.sup.handleOffline("a1")
	assert.Empty(t, h.sup.schedule["a1"], "going offline must cancel every scheduled timer for the agent")
}
