package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardloop/internal/clockutil"
	"guardloop/internal/model"
)

func TestLogoutWarnsImmediatelyAndArmsGraceTimer(t *testing.T) {
	ft := &fakeTrigger{}
	clock := clockutil.NewManual(time.Now())
	d := New(ft, clock, &fakeSink{})

	intent := model.NewIntent(model.IntentLogout, "a1")
	intent.Logout = &model.LogoutPayload{Reason: "quota exhausted", GraceSeconds: 30}

	require.NoError(t, d.Dispatch(context.Background(), intent))
	require.Equal(t, 1, ft.callCount(), "only the immediate critical warn so far")
	assert.Equal(t, model.ActionWarn, ft.lastCall().actionID)
	assert.True(t, d.HasPendingLogout("a1"))

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return ft.callCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, model.ActionLogout, ft.lastCall().actionID)
	assert.False(t, d.HasPendingLogout("a1"))
}

func TestRescheduledLogoutReplacesPriorTimer(t *testing.T) {
	ft := &fakeTrigger{}
	clock := clockutil.NewManual(time.Now())
	d := New(ft, clock, &fakeSink{})

	first := model.NewIntent(model.IntentLogout, "a1")
	first.Logout = &model.LogoutPayload{Reason: "first", GraceSeconds: 60}
	require.NoError(t, d.Dispatch(context.Background(), first))

	second := model.NewIntent(model.IntentLogout, "a1")
	second.Logout = &model.LogoutPayload{Reason: "second", GraceSeconds: 10}
	require.NoError(t, d.Dispatch(context.Background(), second))

	// The first timer's deadline (60s out) must not fire the logout
	// action; only the replacement's shorter deadline should.
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return ft.callCount() == 3 }, time.Second, time.Millisecond)

	logoutCalls := 0
	for _, c := range ft.calls {
		if c.actionID == model.ActionLogout {
			logoutCalls++
		}
	}
	assert.Equal(t, 1, logoutCalls, "at most one logout action fires per agent")

	clock.Advance(60 * time.Second)
	time.Sleep(20 * time.Millisecond)
	logoutCalls = 0
	for _, c := range ft.calls {
		if c.actionID == model.ActionLogout {
			logoutCalls++
		}
	}
	assert.Equal(t, 1, logoutCalls, "the superseded timer never fires")
}

func TestCancelLogoutStopsPendingTimer(t *testing.T) {
	ft := &fakeTrigger{}
	clock := clockutil.NewManual(time.Now())
	d := New(ft, clock, &fakeSink{})

	intent := model.NewIntent(model.IntentLogout, "a1")
	intent.Logout = &model.LogoutPayload{Reason: "quota exhausted", GraceSeconds: 30}
	require.NoError(t, d.Dispatch(context.Background(), intent))

	d.CancelLogout("a1")
	assert.False(t, d.HasPendingLogout("a1"))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	logoutCalls := 0
	for _, c := range ft.calls {
		if c.actionID == model.ActionLogout {
			logoutCalls++
		}
	}
	assert.Equal(t, 0, logoutCalls, "cancelled grace timer never dispatches the logout action")
}
