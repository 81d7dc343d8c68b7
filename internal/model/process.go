package model

import "time"

// ProcessInfo is one running process as reported by the process monitor.
// Category is the agent script's own best-effort classification (§6
// process payload shape); the Rule Evaluator's schedule pass tests it
// against a schedule's allowed categories.
type ProcessInfo struct {
	PID      int
	Name     string
	Category Category
}

// BrowserInfo is a running browser process, reported separately so the
// Usage Accountant's internet-time gating never has to re-derive it.
type BrowserInfo struct {
	PID         int
	Name        string
	BrowserName string
}

// CategoryCounts summarizes a process snapshot by category.
type CategoryCounts struct {
	Games        int
	Education    int
	Productivity int
	Internet     int
	Other        int
}

// ProcessSnapshot is one process-monitor telemetry payload, plus the
// derived classification the Rule Evaluator and Usage Accountant consume.
type ProcessSnapshot struct {
	AgentID   string
	At        time.Time
	Processes []ProcessInfo
	Browsers  []BrowserInfo
	Summary   CategoryCounts

	// BlockedMatches pairs processes with the blocklist patterns they
	// matched. The Rule Evaluator does not fill it and the Planner's dedup
	// does not read it; it stays empty unless a caller sets it.
	BlockedMatches []BlockedMatch
}

// BlockedMatch pairs a matched process with the pattern that matched it.
type BlockedMatch struct {
	Process ProcessInfo
	Pattern string
}

// HasBrowsers reports whether any browser is currently open, the gate for
// internet-time accounting and for the quota planner's browser check.
func (p *ProcessSnapshot) HasBrowsers() bool {
	return len(p.Browsers) > 0
}
