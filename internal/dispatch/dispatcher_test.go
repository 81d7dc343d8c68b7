package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardloop/internal/clockutil"
	"guardloop/internal/gateway"
	"guardloop/internal/model"
)

// fakeTrigger is an in-memory ActionTrigger: every TriggerAction call is
// recorded and answered according to a per-test respond function, so
// dispatch logic is tested without a real gateway/websocket stack.
type fakeTrigger struct {
	mu      sync.Mutex
	calls   []call
	respond func(call) gateway.ActionResponse
}

type call struct {
	agentID  string
	actionID model.ActionID
	args     any
}

func (f *fakeTrigger) TriggerAction(ctx context.Context, agentID string, actionID model.ActionID, args any) (<-chan gateway.ActionResponse, error) {
	f.mu.Lock()
	c := call{agentID: agentID, actionID: actionID, args: args}
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	out := make(chan gateway.ActionResponse, 1)
	resp := gateway.ActionResponse{AgentID: agentID, ActionID: actionID, Success: true}
	if f.respond != nil {
		resp = f.respond(c)
	}
	out <- resp
	close(out)
	return out, nil
}

func (f *fakeTrigger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTrigger) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeSink struct {
	mu         sync.Mutex
	violations []model.Violation
	activity   []model.ActivityEvent
}

func (s *fakeSink) RecordViolation(v model.Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, v)
}

func (s *fakeSink) RecordActivity(e model.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, e)
}

func TestDispatchWarningSendsWarnAction(t *testing.T) {
	ft := &fakeTrigger{}
	sink := &fakeSink{}
	d := New(ft, clockutil.NewManual(time.Now()), sink)

	intent := model.NewIntent(model.IntentWarning, "a1")
	intent.Warning = &model.WarningPayload{Activity: model.ActivityComputer, MinutesRemaining: 5, Urgency: model.UrgencyCritical}

	require.NoError(t, d.Dispatch(context.Background(), intent))
	require.Equal(t, 1, ft.callCount())
	assert.Equal(t, model.ActionWarn, ft.lastCall().actionID)
	args := ft.lastCall().args.(warnArgs)
	assert.Equal(t, "critical", args.Urgency)
}

func TestDispatchBlockProcessRecordsViolationOnSuccess(t *testing.T) {
	ft := &fakeTrigger{}
	sink := &fakeSink{}
	d := New(ft, clockutil.NewManual(time.Now()), sink)

	intent := model.NewIntent(model.IntentBlockProcess, "a1")
	intent.BlockProcess = &model.BlockProcessPayload{PID: 42, Name: "Minecraft.exe", Reason: "blocked"}

	require.NoError(t, d.Dispatch(context.Background(), intent))
	require.Len(t, sink.violations, 1)
	assert.Equal(t, model.ViolationBlockedProcess, sink.violations[0].Kind)
	assert.Equal(t, "Minecraft.exe", sink.violations[0].ProcessName)
}

func TestDispatchBlockProcessNoViolationOnFailure(t *testing.T) {
	ft := &fakeTrigger{respond: func(c call) gateway.ActionResponse {
		return gateway.ActionResponse{Success: false}
	}}
	sink := &fakeSink{}
	d := New(ft, clockutil.NewManual(time.Now()), sink)

	intent := model.NewIntent(model.IntentBlockProcess, "a1")
	intent.BlockProcess = &model.BlockProcessPayload{PID: 42, Name: "Minecraft.exe"}

	require.NoError(t, d.Dispatch(context.Background(), intent))
	assert.Empty(t, sink.violations)
}

func TestDispatchBlockBrowsersKillsEachObservedBrowser(t *testing.T) {
	ft := &fakeTrigger{}
	sink := &fakeSink{}
	d := New(ft, clockutil.NewManual(time.Now()), sink)
	d.ObserveBrowsers("a1", []model.BrowserInfo{
		{PID: 1, Name: "chrome.exe", BrowserName: "chrome"},
		{PID: 2, Name: "firefox.exe", BrowserName: "firefox"},
	})

	intent := model.NewIntent(model.IntentBlockBrowser, "a1")
	require.NoError(t, d.Dispatch(context.Background(), intent))

	// Two kills plus one trailing warn.
	require.Equal(t, 3, ft.callCount())
	require.Len(t, sink.violations, 2)
}

func TestDispatchLockSendsLockAction(t *testing.T) {
	ft := &fakeTrigger{}
	d := New(ft, clockutil.NewManual(time.Now()), &fakeSink{})

	intent := model.NewIntent(model.IntentLock, "a1")
	require.NoError(t, d.Dispatch(context.Background(), intent))
	assert.Equal(t, model.ActionLock, ft.lastCall().actionID)
}

func TestDispatchFocusApplySendsNoAgentAction(t *testing.T) {
	ft := &fakeTrigger{}
	sink := &fakeSink{}
	d := New(ft, clockutil.NewManual(time.Now()), sink)

	intent := model.NewIntent(model.IntentFocusApply, "a1")
	intent.FocusApply = &model.FocusApplyPayload{Profile: model.FocusProfile{BlockedApps: []string{"discord"}}}

	require.NoError(t, d.Dispatch(context.Background(), intent))
	assert.Equal(t, 0, ft.callCount())
	require.Len(t, sink.activity, 1)
}
