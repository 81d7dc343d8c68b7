// Package rules implements the Rule Evaluator (§4.5): applies a child's
// blocked-process list, time-of-day schedules, and bedtime window to an
// incoming ProcessSnapshot, producing enforcement intent candidates for
// the Planner.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"guardloop/internal/model"
)

var bedtimeThresholds = []int{15, 5, 1}

// Evaluator holds the per-agent bedtime warning ladder state; the
// blocked-process and schedule passes are stateless.
type Evaluator struct {
	mu           sync.Mutex
	bedtimeFired map[string]map[int]bool
	lastDate     map[string]time.Time
}

// NewEvaluator builds an Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		bedtimeFired: make(map[string]map[int]bool),
		lastDate:     make(map[string]time.Time),
	}
}

// Evaluate runs all three passes (§4.5) for snapshot against child's
// configuration at wall-clock now, and applies the tie-break: a bedtime
// Logout supersedes every other candidate produced in the same tick, since
// the agent is about to lose its session regardless of anything else in
// flight. Short of that, every pass's candidates survive — blocked-process
// kills and their companion warnings, schedule blocks, and bedtime
// warnings are independent concerns the Planner's own dedup rules (§4.6)
// reconcile further downstream.
func (e *Evaluator) Evaluate(snapshot *model.ProcessSnapshot, child *model.Child, now time.Time, focusActive bool, gracePeriodSec int) ([]model.EnforcementIntent, []model.BlockedMatch) {
	bedtimeIntents := e.bedtimePass(snapshot.AgentID, child, now, gracePeriodSec)
	for _, in := range bedtimeIntents {
		if in.Kind == model.IntentLogout {
			return []model.EnforcementIntent{in}, nil
		}
	}

	blockedIntents, matches := blockedProcessPass(snapshot, child, focusActive)
	scheduleIntents := schedulePass(snapshot, child, now)

	all := make([]model.EnforcementIntent, 0, len(blockedIntents)+len(scheduleIntents)+len(bedtimeIntents))
	all = append(all, blockedIntents...)
	all = append(all, scheduleIntents...)
	all = append(all, bedtimeIntents...)

	sort.SliceStable(all, func(i, j int) bool { return all[i].Rank < all[j].Rank })
	return all, matches
}

// blockedProcessPass tests every running process against the child's
// effective blocklist (broadened by an active focus profile). First
// matching pattern wins per process (§4.5 pass 1); each match yields a
// BlockProcess plus its companion Warning.
func blockedProcessPass(snapshot *model.ProcessSnapshot, child *model.Child, focusActive bool) ([]model.EnforcementIntent, []model.BlockedMatch) {
	patterns := child.EffectiveBlockedProcesses(focusActive)

	var intents []model.EnforcementIntent
	var matches []model.BlockedMatch

	for _, p := range snapshot.Processes {
		pattern, ok := firstMatch(p.Name, patterns)
		if !ok {
			continue
		}
		matches = append(matches, model.BlockedMatch{Process: p, Pattern: pattern})

		kill := model.NewIntent(model.IntentBlockProcess, snapshot.AgentID)
		kill.BlockProcess = &model.BlockProcessPayload{
			PID:    p.PID,
			Name:   p.Name,
			Reason: fmt.Sprintf("blocked process pattern %q", pattern),
		}
		intents = append(intents, kill)

		warn := model.NewIntent(model.IntentWarning, snapshot.AgentID)
		warn.Warning = &model.WarningPayload{Urgency: model.UrgencyNormal}
		intents = append(intents, warn)
	}

	return intents, matches
}

// schedulePass blocks any process matching an active schedule's blocked
// patterns whose category isn't in that schedule's allowed set (§4.5
// pass 2).
func schedulePass(snapshot *model.ProcessSnapshot, child *model.Child, now time.Time) []model.EnforcementIntent {
	weekday := weekdayOf(now)
	nowMinutes := now.Hour()*60 + now.Minute()

	var intents []model.EnforcementIntent
	for _, sched := range child.Schedules {
		if !sched.Days.Contains(weekday) {
			continue
		}
		if nowMinutes < sched.Start.MinutesSinceMidnight() || nowMinutes >= sched.End.MinutesSinceMidnight() {
			continue
		}

		for _, p := range snapshot.Processes {
			if sched.AllowedCategory[p.Category] {
				continue
			}
			pattern, ok := firstMatch(p.Name, sched.BlockedPatterns)
			if !ok {
				continue
			}
			block := model.NewIntent(model.IntentBlockProcess, snapshot.AgentID)
			block.BlockProcess = &model.BlockProcessPayload{
				PID:    p.PID,
				Name:   p.Name,
				Reason: fmt.Sprintf("schedule %q blocks pattern %q", sched.Name, pattern),
			}
			intents = append(intents, block)
		}
	}
	return intents
}

// bedtimePass evaluates the countdown to bedtime and produces either a
// Logout (past the deadline) or a ladder Warning at 15/5/1 minutes out,
// each firing at most once per local day (§4.5 pass 3).
func (e *Evaluator) bedtimePass(agentID string, child *model.Child, now time.Time, gracePeriodSec int) []model.EnforcementIntent {
	if !child.Bedtime.Enabled || !child.Bedtime.Days.Contains(weekdayOf(now)) {
		return nil
	}

	e.resetIfNewDay(agentID, now)

	delta := child.Bedtime.Time.MinutesSinceMidnight() - (now.Hour()*60 + now.Minute())
	if delta <= 0 {
		logout := model.NewIntent(model.IntentLogout, agentID)
		logout.Logout = &model.LogoutPayload{Reason: "bedtime", GraceSeconds: gracePeriodSec}
		return []model.EnforcementIntent{logout}
	}

	for _, threshold := range bedtimeThresholds {
		if delta != threshold {
			continue
		}
		if e.hasBedtimeFired(agentID, threshold) {
			return nil
		}
		e.markBedtimeFired(agentID, threshold)

		urgency := model.UrgencyNormal
		if threshold <= 5 {
			urgency = model.UrgencyCritical
		}
		warn := model.NewIntent(model.IntentWarning, agentID)
		warn.Warning = &model.WarningPayload{Bedtime: true, MinutesRemaining: threshold, Urgency: urgency}
		return []model.EnforcementIntent{warn}
	}
	return nil
}

func (e *Evaluator) resetIfNewDay(agentID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastDate[agentID]
	if ok && sameLocalDate(now, last) {
		return
	}
	e.lastDate[agentID] = now
	e.bedtimeFired[agentID] = make(map[int]bool)
}

func (e *Evaluator) hasBedtimeFired(agentID string, threshold int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bedtimeFired[agentID][threshold]
}

func (e *Evaluator) markBedtimeFired(agentID string, threshold int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bedtimeFired[agentID] == nil {
		e.bedtimeFired[agentID] = make(map[int]bool)
	}
	e.bedtimeFired[agentID][threshold] = true
}

func firstMatch(name string, patterns []string) (string, bool) {
	lower := strings.ToLower(name)
	for _, pattern := range patterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern, true
		}
	}
	return "", false
}

func sameLocalDate(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

var weekdays = [...]model.Weekday{model.Sun, model.Mon, model.Tue, model.Wed, model.Thu, model.Fri, model.Sat}

func weekdayOf(t time.Time) model.Weekday {
	return weekdays[t.Weekday()]
}
