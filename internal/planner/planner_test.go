package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardloop/internal/accounting"
	"guardloop/internal/clockutil"
	"guardloop/internal/config"
	"guardloop/internal/model"
	"guardloop/internal/oracle"
)

type fakeTransport struct {
	mu       sync.Mutex
	verdict  model.OracleVerdict
	verdicts map[model.ActivityKind]model.OracleVerdict
	err      error
}

func (f *fakeTransport) FetchVerdict(ctx context.Context, childID string, activity model.ActivityKind) (model.OracleVerdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.OracleVerdict{}, f.err
	}
	if v, ok := f.verdicts[activity]; ok {
		return v, nil
	}
	return f.verdict, nil
}

func (f *fakeTransport) setVerdict(v model.OracleVerdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdict = v
}

func (f *fakeTransport) OpenStateChangeStream(ctx context.Context) (oracle.StateChangeStream, error) {
	return nil, errors.New("not used in planner tests")
}

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := config.NewStore(dir + "/state.yaml")
	require.NoError(t, err)
	return store
}

func newTestPlanner(t *testing.T, verdict model.OracleVerdict) (*Planner, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{verdict: verdict}
	clock := clockutil.NewManual(time.Now())
	oc := oracle.NewWithTransport(ft, 60*time.Second, clock)
	store := newTestStore(t)
	acc := accounting.NewAccountant(store)
	return New(oc, acc), ft
}

func TestEvaluateQuotaWarningLadderFiresOncePerThreshold(t *testing.T) {
	p, _ := newTestPlanner(t, model.OracleVerdict{
		ChildID: "c1", Activity: model.ActivityComputer, Allowed: true, RemainingSeconds: 15 * 60,
	})
	// The supervisor always advances the usage cell before EvaluateQuota;
	// fired thresholds are recorded on that cell.
	p.accountant.AdvanceComputer("a1", "c1", time.Now(), false)

	decision, err := p.EvaluateQuota(context.Background(), "a1", "c1", nil, time.Now(), []int{15, 5, 1}, false)
	require.NoError(t, err)
	require.Len(t, decision.Intents, 1)
	assert.Equal(t, model.IntentWarning, decision.Intents[0].Kind)
	assert.Equal(t, 15, decision.Intents[0].Warning.MinutesRemaining)
	assert.Equal(t, StateWarning, decision.State)

	decision, err = p.EvaluateQuota(context.Background(), "a1", "c1", nil, time.Now(), []int{15, 5, 1}, false)
	require.NoError(t, err)
	assert.Empty(t, decision.Intents, "threshold already fired today")
}

func TestEvaluateQuotaExhaustionEmitsLogout(t *testing.T) {
	p, _ := newTestPlanner(t, model.OracleVerdict{
		ChildID: "c1", Activity: model.ActivityComputer, Allowed: true, RemainingSeconds: 0,
	})

	decision, err := p.EvaluateQuota(context.Background(), "a1", "c1", nil, time.Now(), []int{15, 5, 1}, false)
	require.NoError(t, err)
	require.NotEmpty(t, decision.Intents)
	last := decision.Intents[len(decision.Intents)-1]
	assert.Equal(t, model.IntentLogout, last.Kind)
	assert.Equal(t, StateGracePending, p.StateOf("a1"))
}

func TestEvaluateQuotaSchedulesFutureWarningsAndLogoutWithinHour(t *testing.T) {
	p, _ := newTestPlanner(t, model.OracleVerdict{
		ChildID: "c1", Activity: model.ActivityComputer, Allowed: true, RemainingSeconds: 20 * 60,
	})

	decision, err := p.EvaluateQuota(context.Background(), "a1", "c1", nil, time.Now(), []int{15, 5, 1}, false)
	require.NoError(t, err)
	require.NotEmpty(t, decision.Scheduled)

	foundLogout := false
	for _, item := range decision.Scheduled {
		if item.Intent.Kind == model.IntentLogout {
			foundLogout = true
			assert.Equal(t, 20*time.Minute, item.Delay)
		}
	}
	assert.True(t, foundLogout)
}

func TestEvaluateQuotaBannedSupersedesEverythingAndCancelsPending(t *testing.T) {
	p, _ := newTestPlanner(t, model.OracleVerdict{
		ChildID: "c1", Activity: model.ActivityComputer, Banned: true,
	})

	decision, err := p.EvaluateQuota(context.Background(), "a1", "c1", nil, time.Now(), []int{15, 5, 1}, false)
	require.NoError(t, err)
	require.Len(t, decision.Intents, 1)
	assert.Equal(t, model.IntentLogout, decision.Intents[0].Kind)
	assert.True(t, decision.CancelPending)
	assert.Equal(t, StateGracePending, decision.State)
}

func TestEvaluateQuotaBrowsersOpenChecksInternetVerdict(t *testing.T) {
	ft := &fakeTransport{
		verdicts: map[model.ActivityKind]model.OracleVerdict{
			model.ActivityComputer: {ChildID: "c1", Activity: model.ActivityComputer, Allowed: true, RemainingSeconds: 900},
			model.ActivityInternet: {ChildID: "c1", Activity: model.ActivityInternet, Allowed: false},
		},
	}
	clock := clockutil.NewManual(time.Now())
	oc := oracle.NewWithTransport(ft, 60*time.Second, clock)
	store := newTestStore(t)
	acc := accounting.NewAccountant(store)
	p := New(oc, acc)

	decision, err := p.EvaluateQuota(context.Background(), "a1", "c1", nil, time.Now(), []int{15, 5, 1}, true)
	require.NoError(t, err)

	found := false
	for _, in := range decision.Intents {
		if in.Kind == model.IntentBlockBrowser {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEvaluateQuotaFallsBackToLocalCapWhenOracleUnavailable(t *testing.T) {
	ft := &fakeTransport{err: errors.New("transport down")}
	clock := clockutil.NewManual(time.Now())
	oc := oracle.NewWithTransport(ft, 60*time.Second, clock)
	store := newTestStore(t)
	acc := accounting.NewAccountant(store)
	p := New(oc, acc)

	capSeconds := 60
	child := &model.Child{ID: "c1", DailyComputerCapSeconds: &capSeconds}
	acc.AdvanceComputer("a1", "c1", clock.Now(), false)
	clock.Advance(2 * time.Minute)
	acc.AdvanceComputer("a1", "c1", clock.Now(), false)

	decision, err := p.EvaluateQuota(context.Background(), "a1", "c1", child, clock.Now(), []int{15, 5, 1}, false)
	require.NoError(t, err)
	require.Len(t, decision.Intents, 1)
	assert.Equal(t, model.IntentLogout, decision.Intents[0].Kind)
	assert.Equal(t, StateGracePending, decision.State)
}

func TestEvaluateQuotaLocalCapUnlimitedEmitsNothingWhenOracleUnavailable(t *testing.T) {
	ft := &fakeTransport{err: errors.New("transport down")}
	clock := clockutil.NewManual(time.Now())
	oc := oracle.NewWithTransport(ft, 60*time.Second, clock)
	store := newTestStore(t)
	acc := accounting.NewAccountant(store)
	p := New(oc, acc)

	decision, err := p.EvaluateQuota(context.Background(), "a1", "c1", &model.Child{ID: "c1"}, clock.Now(), []int{15, 5, 1}, false)
	require.NoError(t, err)
	assert.Empty(t, decision.Intents)
	assert.Equal(t, StateIdle, decision.State)
}

func TestCombinePrefersOracleLogoutOverRuleIntents(t *testing.T) {
	quotaLogout := model.NewIntent(model.IntentLogout, "a1")
	quotaLogout.Logout = &model.LogoutPayload{Reason: "quota"}

	ruleWarn := model.NewIntent(model.IntentWarning, "a1")
	ruleBlock := model.NewIntent(model.IntentBlockProcess, "a1")
	ruleBlock.BlockProcess = &model.BlockProcessPayload{PID: 1}

	combined := Combine([]model.EnforcementIntent{quotaLogout}, []model.EnforcementIntent{ruleWarn, ruleBlock})
	require.Len(t, combined, 1)
	assert.Equal(t, "quota", combined[0].Logout.Reason)
}

func TestCombineFallsBackToRuleLogoutWhenNoQuotaLogout(t *testing.T) {
	bedtimeLogout := model.NewIntent(model.IntentLogout, "a1")
	bedtimeLogout.Logout = &model.LogoutPayload{Reason: "bedtime"}

	combined := Combine(nil, []model.EnforcementIntent{bedtimeLogout})
	require.Len(t, combined, 1)
	assert.Equal(t, "bedtime", combined[0].Logout.Reason)
}

func TestCombineConcatenatesWhenNoLogoutEitherSide(t *testing.T) {
	warn := model.NewIntent(model.IntentWarning, "a1")
	block := model.NewIntent(model.IntentBlockProcess, "a1")
	block.BlockProcess = &model.BlockProcessPayload{PID: 2}

	combined := Combine([]model.EnforcementIntent{warn}, []model.EnforcementIntent{block})
	assert.Len(t, combined, 2)
}

func TestSuppressRecentBlockProcessDropsDuplicateWithinWindow(t *testing.T) {
	p, _ := newTestPlanner(t, model.OracleVerdict{ChildID: "c1", Allowed: true, RemainingSeconds: 900})

	block := model.NewIntent(model.IntentBlockProcess, "a1")
	block.BlockProcess = &model.BlockProcessPayload{PID: 99}

	now := time.Now()
	first := p.SuppressRecentBlockProcess("a1", []model.EnforcementIntent{block}, now)
	require.Len(t, first, 1)

	second := p.SuppressRecentBlockProcess("a1", []model.EnforcementIntent{block}, now.Add(10*time.Second))
	assert.Empty(t, second)

	third := p.SuppressRecentBlockProcess("a1", []model.EnforcementIntent{block}, now.Add(31*time.Second))
	require.Len(t, third, 1)
}

func TestFocusApplyIdempotency(t *testing.T) {
	p, _ := newTestPlanner(t, model.OracleVerdict{ChildID: "c1", Allowed: true, RemainingSeconds: 900})

	profile := &model.FocusProfile{BlockedApps: []string{"discord"}}
	assert.False(t, p.IsFocusApplyRedundant("a1", profile))

	p.RecordFocusApplied("a1", profile)
	assert.True(t, p.IsFocusApplyRedundant("a1", &model.FocusProfile{BlockedApps: []string{"discord"}}))

	p.ClearFocus("a1")
	assert.False(t, p.IsFocusApplyRedundant("a1", profile))
}

func TestUnlinkResetsStateAndDedupWindows(t *testing.T) {
	p, _ := newTestPlanner(t, model.OracleVerdict{ChildID: "c1", Banned: true})

	_, err := p.EvaluateQuota(context.Background(), "a1", "c1", nil, time.Now(), []int{15, 5, 1}, false)
	require.NoError(t, err)
	assert.Equal(t, StateGracePending, p.StateOf("a1"))

	p.Unlink("a1")
	assert.Equal(t, StateIdle, p.StateOf("a1"))
}
