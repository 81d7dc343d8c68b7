// Package accounting implements the Usage Accountant (§4.4): per-
// (agent, child, activity) time accumulators advanced by telemetry
// timestamps, honoring idle and browser-open gating, with daily rollover.
package accounting

import (
	"sync"
	"time"

	"guardloop/internal/config"
	"guardloop/internal/model"
)

type cellKey struct {
	agentID  string
	childID  string
	activity model.ActivityKind
}

// Accountant owns every UsageCell in the fleet. It owns no timers; all
// forward motion is driven by telemetry, per §4.4.
type Accountant struct {
	store *config.Store

	mu              sync.Mutex
	cells           map[cellKey]*model.UsageCell
	browsersPresent map[string]bool // agentID -> most recent ProcessSnapshot.HasBrowsers()
}

// NewAccountant builds an Accountant reading pauseOnIdle/reportInterval
// from store's settings.
func NewAccountant(store *config.Store) *Accountant {
	return &Accountant{
		store:           store,
		cells:           make(map[cellKey]*model.UsageCell),
		browsersPresent: make(map[string]bool),
	}
}

// ObserveProcessSnapshot records whether agentID's latest ProcessSnapshot
// showed any open browser, the sole gate for internet-time counting.
func (a *Accountant) ObserveProcessSnapshot(agentID string, hasBrowsers bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.browsersPresent[agentID] = hasBrowsers
}

// HasBrowsers reports whether agentID's most recently observed
// ProcessSnapshot showed an open browser, the same gate AdvanceInternet
// itself reads — exposed so the quota pipeline can decide whether an
// internet verdict check is even worth making (§4.6: "internet verdict
// requests occur only when browsers are observed").
func (a *Accountant) HasBrowsers(agentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.browsersPresent[agentID]
}

// AdvanceComputer advances the computer-time cell for (agentID, childID)
// to now, counting unless the session is idle and pauseOnIdle is set.
func (a *Accountant) AdvanceComputer(agentID, childID string, now time.Time, sessionIdle bool) model.UsageCell {
	settings := a.store.Snapshot().Settings
	count := !(sessionIdle && settings.PauseOnIdle)
	return a.advance(agentID, childID, model.ActivityComputer, now, count, settings.ReportInterval())
}

// AdvanceInternet advances the internet-time cell for (agentID, childID)
// to now, counting iff the agent's latest snapshot showed a browser open.
func (a *Accountant) AdvanceInternet(agentID, childID string, now time.Time) model.UsageCell {
	settings := a.store.Snapshot().Settings
	a.mu.Lock()
	count := a.browsersPresent[agentID]
	a.mu.Unlock()
	return a.advance(agentID, childID, model.ActivityInternet, now, count, settings.ReportInterval())
}

func (a *Accountant) advance(agentID, childID string, activity model.ActivityKind, now time.Time, count bool, reportInterval time.Duration) model.UsageCell {
	key := cellKey{agentID: agentID, childID: childID, activity: activity}

	a.mu.Lock()
	defer a.mu.Unlock()

	cell, ok := a.cells[key]
	if !ok {
		cell = model.NewUsageCell(agentID, childID, activity, now)
		a.cells[key] = cell
	}

	if !sameLocalDate(now, cell.LastAdvanceAt) {
		cell.ResetForNewDay()
		cell.LastAdvanceAt = now
	}

	elapsed := now.Sub(cell.LastAdvanceAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if cap := 2 * reportInterval; elapsed > cap {
		elapsed = cap
	}
	if count {
		cell.AccumulatedSec += int64(elapsed.Seconds())
	}
	cell.LastAdvanceAt = now

	return *cell
}

// Cell returns a snapshot of one accumulator, if it has been advanced at
// least once.
func (a *Accountant) Cell(agentID, childID string, activity model.ActivityKind) (model.UsageCell, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cell, ok := a.cells[cellKey{agentID: agentID, childID: childID, activity: activity}]
	if !ok {
		return model.UsageCell{}, false
	}
	return *cell, true
}

// MarkWarningFired records threshold (minutes) as fired today for the
// given cell, so the Planner's ladder never re-emits it (§3 invariant,
// Property 2).
func (a *Accountant) MarkWarningFired(agentID, childID string, activity model.ActivityKind, thresholdMinutes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := cellKey{agentID: agentID, childID: childID, activity: activity}
	cell, ok := a.cells[key]
	if !ok {
		return
	}
	cell.MarkFired(thresholdMinutes)
}

// HasWarningFired reports whether threshold (minutes) already fired today
// for the given cell.
func (a *Accountant) HasWarningFired(agentID, childID string, activity model.ActivityKind, thresholdMinutes int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cell, ok := a.cells[cellKey{agentID: agentID, childID: childID, activity: activity}]
	if !ok {
		return false
	}
	return cell.HasFired(thresholdMinutes)
}

// RolloverStale resets every cell whose last advance fell on an earlier
// local date than now, without waiting for that agent's next telemetry
// tick. A safety net for the day boundary: an agent that goes quiet
// overnight would otherwise keep showing yesterday's accumulated seconds
// to the Control API until its next observation, arbitrarily later today.
func (a *Accountant) RolloverStale(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	rolled := 0
	for _, cell := range a.cells {
		if !sameLocalDate(now, cell.LastAdvanceAt) {
			cell.ResetForNewDay()
			cell.LastAdvanceAt = now
			rolled++
		}
	}
	return rolled
}

func sameLocalDate(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}
