// Package planner implements the Enforcement Planner (§4.6): the
// coherence point that turns oracle verdicts, accountant state, rule
// matches, and Control API overrides into a deduplicated stream of
// enforcement intents for the Dispatcher.
package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"guardloop/internal/accounting"
	"guardloop/internal/model"
	"guardloop/internal/oracle"
)

// State is one agent's position in the §4.6 enforcement state machine.
type State string

const (
	StateIdle         State = "idle"
	StateWarning      State = "warning"
	StateGracePending State = "grace_pending"
	StateLoggingOut   State = "logging_out"
)

const blockProcessSuppressWindow = 30 * time.Second

// ScheduledItem is a future intent the Dispatcher should arm as a
// cancellable timer, computed in advance because the Planner already
// knows the exact deadline from the oracle's remainingSeconds (§4.6).
type ScheduledItem struct {
	AgentID string
	Delay   time.Duration
	Intent  model.EnforcementIntent
}

// Decision is everything the Planner produced for one (agent, child)
// evaluation: intents to dispatch immediately, items to schedule for
// later, and whether any previously scheduled items for this agent
// should be cancelled outright (the GracePending -> Idle transition).
type Decision struct {
	AgentID       string
	State         State
	Intents       []model.EnforcementIntent
	Scheduled     []ScheduledItem
	CancelPending bool
}

// Planner tracks per-agent state and the short-lived dedup windows
// described in §4.6.
type Planner struct {
	oracleClient *oracle.Client
	accountant   *accounting.Accountant

	mu               sync.Mutex
	state            map[string]State
	lastBlockProcess map[string]time.Time // "agentID:pid" -> last dispatch time
	lastFocusProfile map[string]*model.FocusProfile
}

// New builds a Planner over the given Oracle Client and Usage Accountant.
func New(oracleClient *oracle.Client, accountant *accounting.Accountant) *Planner {
	return &Planner{
		oracleClient:     oracleClient,
		accountant:       accountant,
		state:            make(map[string]State),
		lastBlockProcess: make(map[string]time.Time),
		lastFocusProfile: make(map[string]*model.FocusProfile),
	}
}

// StateOf returns agentID's current position in the enforcement state
// machine (Idle if never observed).
func (p *Planner) StateOf(agentID string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.state[agentID]
	if !ok {
		return StateIdle
	}
	return s
}

func (p *Planner) setState(agentID string, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[agentID] = s
}

// EvaluateQuota runs the §4.6 quota algorithm for one active,
// non-parental session at wall-clock now. hasBrowsers gates the internet
// verdict check exactly as spec'd ("internet verdict requests occur only
// when browsers are observed").
func (p *Planner) EvaluateQuota(ctx context.Context, agentID, childID string, child *model.Child, now time.Time, warningTimes []int, hasBrowsers bool) (Decision, error) {
	decision := Decision{AgentID: agentID}

	vc, err := p.oracleClient.Check(ctx, childID, model.ActivityComputer)
	if err != nil && !vc.Stale {
		// No usable verdict at all (no cache, transport down): enforcement
		// defers to the child's own locally configured daily cap rather
		// than guessing from nothing (§7 OracleUnavailable, enforcement
		// path).
		decision.State = p.StateOf(agentID)
		if logout, ok := p.localCapLogout(agentID, childID, child, model.ActivityComputer); ok {
			decision.Intents = []model.EnforcementIntent{logout}
			decision.CancelPending = true
			p.setState(agentID, StateGracePending)
			decision.State = StateGracePending
		}
		return decision, nil
	}

	if vc.Banned || !vc.Allowed {
		// Oracle authority (Property 5): this Logout interleaves with
		// nothing else this tick.
		logout := model.NewIntent(model.IntentLogout, agentID)
		logout.Logout = &model.LogoutPayload{Reason: "access blocked"}
		decision.Intents = []model.EnforcementIntent{logout}
		decision.CancelPending = true
		p.setState(agentID, StateGracePending)
		decision.State = StateGracePending
		return decision, nil
	}

	if vc.Stale {
		// Beyond TTL: no intents are derived from the last-known remaining
		// time — neither a new Logout nor ladder warnings.
		decision.State = p.StateOf(agentID)
		return decision, nil
	}

	remainingMinutes := float64(vc.RemainingSeconds) / 60.0
	for _, t := range warningTimes {
		if remainingMinutes > float64(t-1) && remainingMinutes <= float64(t) {
			if !p.accountant.HasWarningFired(agentID, childID, model.ActivityComputer, t) {
				p.accountant.MarkWarningFired(agentID, childID, model.ActivityComputer, t)
				w := model.NewIntent(model.IntentWarning, agentID)
				urgency := model.UrgencyNormal
				if t <= 5 {
					urgency = model.UrgencyCritical
				}
				w.Warning = &model.WarningPayload{Activity: model.ActivityComputer, MinutesRemaining: t, Urgency: urgency}
				decision.Intents = append(decision.Intents, w)
				p.setState(agentID, StateWarning)
			}
		}
	}

	switch {
	case vc.RemainingSeconds <= 0:
		logout := model.NewIntent(model.IntentLogout, agentID)
		logout.Logout = &model.LogoutPayload{Reason: "computer time exhausted"}
		decision.Intents = append(decision.Intents, logout)
		p.setState(agentID, StateGracePending)

	case vc.RemainingSeconds <= 3600:
		for _, t := range warningTimes {
			deadline := vc.RemainingSeconds - t*60
			if deadline <= 0 {
				continue
			}
			if p.accountant.HasWarningFired(agentID, childID, model.ActivityComputer, t) {
				continue
			}
			w := model.NewIntent(model.IntentWarning, agentID)
			urgency := model.UrgencyNormal
			if t <= 5 {
				urgency = model.UrgencyCritical
			}
			w.Warning = &model.WarningPayload{Activity: model.ActivityComputer, MinutesRemaining: t, Urgency: urgency}
			decision.Scheduled = append(decision.Scheduled, ScheduledItem{
				AgentID: agentID,
				Delay:   time.Duration(deadline) * time.Second,
				Intent:  w,
			})
		}
		logout := model.NewIntent(model.IntentLogout, agentID)
		logout.Logout = &model.LogoutPayload{Reason: "computer time exhausted"}
		decision.Scheduled = append(decision.Scheduled, ScheduledItem{
			AgentID: agentID,
			Delay:   time.Duration(vc.RemainingSeconds) * time.Second,
			Intent:  logout,
		})

	default:
		// Plenty of time left: if this agent had a pending grace timer
		// from an earlier, tighter verdict, the new headroom cancels it
		// (state machine: GracePending -(oracle grants new time)-> Idle).
		if p.StateOf(agentID) == StateGracePending || p.StateOf(agentID) == StateWarning {
			decision.CancelPending = true
			p.setState(agentID, StateIdle)
		}
	}

	if hasBrowsers {
		vi, err := p.oracleClient.Check(ctx, childID, model.ActivityInternet)
		switch {
		case err == nil && !vi.Allowed:
			block := model.NewIntent(model.IntentBlockBrowser, agentID)
			decision.Intents = append(decision.Intents, block)
		case err != nil && !vi.Stale:
			if logout, ok := p.localCapLogout(agentID, childID, child, model.ActivityInternet); ok {
				decision.Intents = append(decision.Intents, logout)
			}
		}
	}

	decision.State = p.StateOf(agentID)
	return decision, nil
}

// localCapLogout falls back to child's locally configured daily cap when
// the oracle has no usable verdict at all — no cached value to fall back
// on, so the only remaining source of truth for "has this child's time
// run out" is the cap the parent set directly on the Child record. A nil
// cap means unlimited, so the fallback emits nothing.
func (p *Planner) localCapLogout(agentID, childID string, child *model.Child, activity model.ActivityKind) (model.EnforcementIntent, bool) {
	if child == nil {
		return model.EnforcementIntent{}, false
	}
	var capSeconds *int
	switch activity {
	case model.ActivityComputer:
		capSeconds = child.DailyComputerCapSeconds
	case model.ActivityInternet:
		capSeconds = child.DailyInternetCapSeconds
	}
	if capSeconds == nil {
		return model.EnforcementIntent{}, false
	}

	cell, ok := p.accountant.Cell(agentID, childID, activity)
	if !ok || cell.AccumulatedSec < int64(*capSeconds) {
		return model.EnforcementIntent{}, false
	}

	logout := model.NewIntent(model.IntentLogout, agentID)
	logout.Logout = &model.LogoutPayload{Reason: fmt.Sprintf("%s time exhausted (local cap, oracle unavailable)", activity)}
	return logout, true
}

// Combine merges quota-derived intents with Rule Evaluator intents for
// the same tick, applying the oracle-authority and bedtime-Logout
// primacy: either kind of Logout excludes every other candidate outright
// (Property 5; §4.5 tie-break). Oracle authority is checked first since
// it is explicitly exclusive of "no other intent may interleave".
func Combine(quota, ruleIntents []model.EnforcementIntent) []model.EnforcementIntent {
	if logout, ok := firstLogout(quota); ok {
		return []model.EnforcementIntent{logout}
	}
	if logout, ok := firstLogout(ruleIntents); ok {
		return []model.EnforcementIntent{logout}
	}
	return append(append([]model.EnforcementIntent{}, quota...), ruleIntents...)
}

func firstLogout(intents []model.EnforcementIntent) (model.EnforcementIntent, bool) {
	for _, in := range intents {
		if in.Kind == model.IntentLogout {
			return in, true
		}
	}
	return model.EnforcementIntent{}, false
}

// SuppressRecentBlockProcess filters out BlockProcess intents whose pid
// was already dispatched for this agent within the last 30s (§4.6 dedup
// rule 2), marking the survivors as newly dispatched.
func (p *Planner) SuppressRecentBlockProcess(agentID string, intents []model.EnforcementIntent, now time.Time) []model.EnforcementIntent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.EnforcementIntent, 0, len(intents))
	for _, in := range intents {
		if in.Kind != model.IntentBlockProcess {
			out = append(out, in)
			continue
		}
		key := fmt.Sprintf("%s:%d", agentID, in.BlockProcess.PID)
		if last, ok := p.lastBlockProcess[key]; ok && now.Sub(last) < blockProcessSuppressWindow {
			continue
		}
		p.lastBlockProcess[key] = now
		out = append(out, in)
	}
	return out
}

// IsFocusApplyRedundant reports whether profile is already the active
// profile for agentID (§4.6 dedup rule 3: FocusApply is idempotent).
func (p *Planner) IsFocusApplyRedundant(agentID string, profile *model.FocusProfile) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.lastFocusProfile[agentID]
	if !ok || current == nil {
		return false
	}
	return sameFocusProfile(current, profile)
}

// RecordFocusApplied records profile as agentID's active focus profile.
func (p *Planner) RecordFocusApplied(agentID string, profile *model.FocusProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFocusProfile[agentID] = profile
}

// ClearFocus forgets agentID's active focus profile (FocusClear).
func (p *Planner) ClearFocus(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastFocusProfile, agentID)
}

func sameFocusProfile(a, b *model.FocusProfile) bool {
	if len(a.HideIconPatterns) != len(b.HideIconPatterns) || len(a.BlockedApps) != len(b.BlockedApps) {
		return false
	}
	for i := range a.HideIconPatterns {
		if a.HideIconPatterns[i] != b.HideIconPatterns[i] {
			return false
		}
	}
	for i := range a.BlockedApps {
		if a.BlockedApps[i] != b.BlockedApps[i] {
			return false
		}
	}
	if len(a.BlockedCategory) != len(b.BlockedCategory) {
		return false
	}
	for k, v := range a.BlockedCategory {
		if b.BlockedCategory[k] != v {
			return false
		}
	}
	return true
}

// Unlink resets agentID to Idle and clears its dedup/focus state, so no
// enforcement intent is emitted for it until it is rebound (Property 6).
func (p *Planner) Unlink(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, agentID)
	delete(p.lastFocusProfile, agentID)
	for key := range p.lastBlockProcess {
		if len(key) > len(agentID) && key[:len(agentID)] == agentID && key[len(agentID)] == ':' {
			delete(p.lastBlockProcess, key)
		}
	}
}

// ManualLogout forces agentID into GracePending, per "Any state ->
// GracePending (Control API manual logout)".
func (p *Planner) ManualLogout(agentID string) model.EnforcementIntent {
	p.setState(agentID, StateGracePending)
	logout := model.NewIntent(model.IntentLogout, agentID)
	logout.Logout = &model.LogoutPayload{Reason: "manual logout"}
	return logout
}

// AckLogout transitions agentID from LoggingOut back to Idle once the
// agent has acknowledged the logout action.
func (p *Planner) AckLogout(agentID string) {
	p.setState(agentID, StateIdle)
}

// MarkLoggingOut transitions agentID into LoggingOut once the Dispatcher
// has actually fired the logout action (the grace period elapsed).
func (p *Planner) MarkLoggingOut(agentID string) {
	p.setState(agentID, StateLoggingOut)
}
