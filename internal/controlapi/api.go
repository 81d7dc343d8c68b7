// Package controlapi implements the Control API (§4.9): the imperative
// surface the parent UI drives — link/unlink agents, edit settings, issue
// manual overrides, and read status/logs. Every state-affecting command
// goes through the config Store's Mutate so the on-disk blob never drifts
// from the in-memory registry (§6 configuration persistence).
package controlapi

import (
	"context"
	"fmt"
	"time"

	"guardloop/internal/clockutil"
	"guardloop/internal/config"
	"guardloop/internal/corerr"
	"guardloop/internal/dispatch"
	"guardloop/internal/gateway"
	"guardloop/internal/journal"
	"guardloop/internal/model"
	"guardloop/internal/planner"
)

// TimerCanceller cancels an agent's armed Scheduled-item timers (§5's
// timer-cancellation trigger list). The Supervisor owns the schedule map
// this reaches into; API only holds the narrow interface to avoid an
// import cycle (Supervisor already depends on controlapi for its Deps).
type TimerCanceller interface {
	CancelSchedule(agentID string)
}

// API wires the Control API commands to their owning components. Every
// read method returns a point-in-time snapshot; every write method goes
// through Store.Mutate and, where the live registry needs to agree with
// the persisted blob, the corresponding Gateway/Planner/Dispatcher call.
type API struct {
	store      *config.Store
	gw         *gateway.Gateway
	planner    *planner.Planner
	dispatcher *dispatch.Dispatcher
	journal    *journal.Journal
	clock      clockutil.Clock
	timers     TimerCanceller
}

// New builds a Control API over the given components.
func New(store *config.Store, gw *gateway.Gateway, p *planner.Planner, d *dispatch.Dispatcher, j *journal.Journal, clock clockutil.Clock) *API {
	if clock == nil {
		clock = clockutil.System{}
	}
	return &API{store: store, gw: gw, planner: p, dispatcher: d, journal: j, clock: clock}
}

// SetTimerCanceller wires the Supervisor in after construction, since the
// Supervisor is itself built from an API (avoiding a circular dependency
// at construction time). Must be called before UnlinkAgent is reachable
// in production; tests that don't exercise timer cancellation can leave
// it unset.
func (a *API) SetTimerCanceller(tc TimerCanceller) {
	a.timers = tc
}

// StatusResponse backs getStatus.
type StatusResponse struct {
	AgentCount        int
	ActiveAgents      int
	MonitoredChildren int
	RecentViolations  []model.Violation
	Settings          model.Settings
	LastSync          time.Time
}

// GetStatus returns the fleet-wide summary.
func (a *API) GetStatus() StatusResponse {
	agents := a.gw.ListAgents()
	resp := StatusResponse{AgentCount: len(agents)}

	boundChildren := make(map[string]bool)
	for _, ag := range agents {
		if ag.Reachable {
			resp.ActiveAgents++
		}
		if ag.Bound {
			boundChildren[ag.ChildID] = true
		}
	}
	resp.MonitoredChildren = len(boundChildren)
	resp.RecentViolations = a.journal.Violations(10)

	blob := a.store.Snapshot()
	resp.Settings = blob.Settings
	resp.LastSync = blob.LastSync
	return resp
}

// AgentSummary backs one entry of getAgents.
type AgentSummary struct {
	ID             string
	Hostname       string
	Platform       model.Platform
	Online         bool
	ChildID        string
	Enabled        bool
	CurrentSession *model.Session
	Scripts        map[string]model.ScriptManifest
}

// GetAgents returns a summary of every known agent.
func (a *API) GetAgents() []AgentSummary {
	agents := a.gw.ListAgents()
	out := make([]AgentSummary, 0, len(agents))
	for _, ag := range agents {
		out = append(out, AgentSummary{
			ID:             ag.ID,
			Hostname:       ag.Hostname,
			Platform:       ag.Platform,
			Online:         ag.Reachable,
			ChildID:        ag.ChildID,
			Enabled:        ag.Enabled,
			CurrentSession: ag.CurrentSession,
			Scripts:        ag.Scripts,
		})
	}
	return out
}

// LinkAgent binds agentID to childID. Per §3, when the agent's current
// session username has no mapping on that agent yet, it is mapped to
// childID; an existing mapping for that username is left unchanged.
func (a *API) LinkAgent(agentID, childID string) error {
	if err := a.gw.BindChild(agentID, childID); err != nil {
		return err
	}

	ag, _ := a.gw.Agent(agentID)

	return a.store.Mutate(func(b *config.Blob) error {
		rec := findOrAppendAgentRecord(b, agentID)
		rec.ChildID = childID
		if ag != nil && ag.CurrentSession != nil && ag.CurrentSession.Username != "" {
			if b.UserMappings[agentID] == nil {
				b.UserMappings[agentID] = make(map[string]string)
			}
			if _, mapped := b.UserMappings[agentID][ag.CurrentSession.Username]; !mapped {
				b.UserMappings[agentID][ag.CurrentSession.Username] = childID
			}
		}
		return nil
	})
}

// UnlinkAgent unbinds agentID, cancels its pending logout timer, and
// resets its Planner state so no further intent is emitted until it is
// rebound (Property 6).
func (a *API) UnlinkAgent(agentID string) error {
	if err := a.gw.UnbindChild(agentID); err != nil {
		return err
	}
	a.planner.Unlink(agentID)
	a.dispatcher.CancelLogout(agentID)
	if a.timers != nil {
		a.timers.CancelSchedule(agentID)
	}

	return a.store.Mutate(func(b *config.Blob) error {
		rec := findOrAppendAgentRecord(b, agentID)
		rec.ChildID = ""
		return nil
	})
}

func findOrAppendAgentRecord(b *config.Blob, agentID string) *config.AgentRecord {
	for i := range b.Agents {
		if b.Agents[i].ID == agentID {
			return &b.Agents[i]
		}
	}
	b.Agents = append(b.Agents, config.AgentRecord{ID: agentID, Enabled: true})
	return &b.Agents[len(b.Agents)-1]
}

// SetUserMapping maps username on agentID to childID. A nil childID
// clears the mapping.
func (a *API) SetUserMapping(agentID, username string, childID *string) error {
	return a.store.Mutate(func(b *config.Blob) error {
		if childID == nil {
			if m, ok := b.UserMappings[agentID]; ok {
				delete(m, username)
			}
			return nil
		}
		if b.UserMappings[agentID] == nil {
			b.UserMappings[agentID] = make(map[string]string)
		}
		b.UserMappings[agentID][username] = *childID
		return nil
	})
}

// SetParentAccounts replaces the parent-exempt username list for agentID.
func (a *API) SetParentAccounts(agentID string, usernames []string) error {
	return a.store.Mutate(func(b *config.Blob) error {
		b.ParentAccounts[agentID] = usernames
		return nil
	})
}

// ChildSettingsPartial edits a subset of a Child's fields. A nil pointer
// leaves that field untouched. DailyComputerCapSeconds/
// DailyInternetCapSeconds use -1 as "clear to unlimited", since the
// underlying model field is itself a *int (nil == unlimited).
type ChildSettingsPartial struct {
	DailyComputerCapSeconds *int
	DailyInternetCapSeconds *int
	BlockedProcesses        []string
	Bedtime                 *model.Bedtime
	Schedules               []model.Schedule
	FocusMode               *model.FocusProfile
}

// UpdateChildSettings applies partial to childID's configuration.
func (a *API) UpdateChildSettings(childID string, partial ChildSettingsPartial) error {
	return a.store.Mutate(func(b *config.Blob) error {
		child, ok := b.Children[childID]
		if !ok {
			return corerr.InvalidConfig("childID", fmt.Sprintf("unknown child %q", childID))
		}
		if partial.DailyComputerCapSeconds != nil {
			child.DailyComputerCapSeconds = applyCap(*partial.DailyComputerCapSeconds)
		}
		if partial.DailyInternetCapSeconds != nil {
			child.DailyInternetCapSeconds = applyCap(*partial.DailyInternetCapSeconds)
		}
		if partial.BlockedProcesses != nil {
			child.BlockedProcesses = partial.BlockedProcesses
		}
		if partial.Bedtime != nil {
			child.Bedtime = *partial.Bedtime
		}
		if partial.Schedules != nil {
			child.Schedules = partial.Schedules
		}
		if partial.FocusMode != nil {
			child.FocusMode = partial.FocusMode
		}
		return nil
	})
}

func applyCap(v int) *int {
	if v < 0 {
		return nil
	}
	cp := v
	return &cp
}

// GetViolations returns the newest-first violations log, capped at limit
// (0 means "all").
func (a *API) GetViolations(limit int) []model.Violation {
	return a.journal.Violations(limit)
}

// ClearViolations empties the violations journal.
func (a *API) ClearViolations() {
	a.journal.ClearViolations()
}

// GetActivityLog returns the newest-first activity log, capped at limit
// (0 means "all").
func (a *API) GetActivityLog(limit int) []model.ActivityEvent {
	return a.journal.Activity(limit)
}

// GetSettings returns the fleet-wide settings.
func (a *API) GetSettings() model.Settings {
	return a.store.Snapshot().Settings
}

// SettingsPartial edits a subset of model.Settings. A nil pointer leaves
// that field untouched.
type SettingsPartial struct {
	MonitorIntervalMs *int
	WarningTimes      []int
	GracePeriodSec    *int
	PauseOnIdle       *bool
	KillOnViolation   *bool
	NotifyParent      *bool
	IdleThresholdMs   *int64
}

// UpdateSettings applies partial to the fleet-wide settings. Changing
// MonitorIntervalMs redeploys the new interval to every known agent's
// session/process monitors.
func (a *API) UpdateSettings(ctx context.Context, partial SettingsPartial) (model.Settings, error) {
	intervalChanged := false

	err := a.store.Mutate(func(b *config.Blob) error {
		if partial.MonitorIntervalMs != nil && *partial.MonitorIntervalMs != b.Settings.MonitorIntervalMs {
			b.Settings.MonitorIntervalMs = *partial.MonitorIntervalMs
			intervalChanged = true
		}
		if partial.WarningTimes != nil {
			b.Settings.WarningTimes = partial.WarningTimes
		}
		if partial.GracePeriodSec != nil {
			b.Settings.GracePeriodSec = *partial.GracePeriodSec
		}
		if partial.PauseOnIdle != nil {
			b.Settings.PauseOnIdle = *partial.PauseOnIdle
		}
		if partial.KillOnViolation != nil {
			b.Settings.KillOnViolation = *partial.KillOnViolation
		}
		if partial.NotifyParent != nil {
			b.Settings.NotifyParent = *partial.NotifyParent
		}
		if partial.IdleThresholdMs != nil {
			b.Settings.IdleThresholdMs = *partial.IdleThresholdMs
		}
		return nil
	})
	if err != nil {
		return model.Settings{}, err
	}

	settings := a.store.Snapshot().Settings
	if intervalChanged {
		a.redeployMonitorInterval(ctx, settings.MonitorIntervalMs)
	}
	return settings, nil
}

func (a *API) redeployMonitorInterval(ctx context.Context, intervalMs int) {
	for _, ag := range a.gw.ListAgents() {
		_ = a.gw.UpdateMonitor(ctx, ag.ID, model.MonitorSession, intervalMs)
		_ = a.gw.UpdateMonitor(ctx, ag.ID, model.MonitorProcess, intervalMs)
	}
}

// ForceLogout enqueues a manual Logout with the default grace period for
// agentID.
func (a *API) ForceLogout(ctx context.Context, agentID string) error {
	intent := a.planner.ManualLogout(agentID)
	return a.dispatcher.Dispatch(ctx, intent)
}

// LockSession enqueues an immediate Lock for agentID.
func (a *API) LockSession(ctx context.Context, agentID string) error {
	intent := model.NewIntent(model.IntentLock, agentID)
	return a.dispatcher.Dispatch(ctx, intent)
}

// TriggerFocusMode enables or disables childID's focus profile on
// agentID. Enabling requires childID to have a configured FocusMode
// profile.
func (a *API) TriggerFocusMode(ctx context.Context, agentID string, enabled bool, childID string) error {
	if !enabled {
		intent := model.NewIntent(model.IntentFocusClear, agentID)
		if err := a.dispatcher.Dispatch(ctx, intent); err != nil {
			return err
		}
		a.planner.ClearFocus(agentID)
		return a.gw.SetFocusActive(agentID, false)
	}

	blob := a.store.Snapshot()
	child, ok := blob.Children[childID]
	if !ok || child.FocusMode == nil {
		return corerr.InvalidConfig("childID", fmt.Sprintf("child %q has no focusMode profile", childID))
	}

	if a.planner.IsFocusApplyRedundant(agentID, child.FocusMode) {
		return nil
	}

	intent := model.NewIntent(model.IntentFocusApply, agentID)
	intent.FocusApply = &model.FocusApplyPayload{Profile: *child.FocusMode}
	if err := a.dispatcher.Dispatch(ctx, intent); err != nil {
		return err
	}
	a.planner.RecordFocusApplied(agentID, child.FocusMode)
	return a.gw.SetFocusActive(agentID, true)
}
