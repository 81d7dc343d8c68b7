package model

import "time"

// ActivityKind is one of the two accounted activities.
type ActivityKind string

const (
	ActivityComputer ActivityKind = "computer"
	ActivityInternet ActivityKind = "internet"
)

// UsageCell accumulates one (agent, child, activity) counter for the
// current local day.
type UsageCell struct {
	AgentID          string
	ChildID          string
	Activity         ActivityKind
	AccumulatedSec   int64
	LastAdvanceAt    time.Time
	WarningsFired    map[int]bool // thresholds (minutes) already fired today
}

// NewUsageCell creates a zeroed cell anchored at now.
func NewUsageCell(agentID, childID string, activity ActivityKind, now time.Time) *UsageCell {
	return &UsageCell{
		AgentID:       agentID,
		ChildID:       childID,
		Activity:      activity,
		LastAdvanceAt: now,
		WarningsFired: make(map[int]bool),
	}
}

// ResetForNewDay zeroes the accumulator and clears fired warnings, per the
// daily-rollover invariant.
func (c *UsageCell) ResetForNewDay() {
	c.AccumulatedSec = 0
	c.WarningsFired = make(map[int]bool)
}

// HasFired reports whether the threshold (minutes) already fired today.
func (c *UsageCell) HasFired(thresholdMinutes int) bool {
	return c.WarningsFired[thresholdMinutes]
}

// MarkFired records that the threshold fired today.
func (c *UsageCell) MarkFired(thresholdMinutes int) {
	c.WarningsFired[thresholdMinutes] = true
}
