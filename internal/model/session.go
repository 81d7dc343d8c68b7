package model

import "time"

// DefaultIdleThresholdMs is the default idle cutoff (§6 settings defaults).
const DefaultIdleThresholdMs = 300000

// Session is the current OS user on one agent.
type Session struct {
	AgentID        string
	Username       string
	SessionID      string // platform-specific, opaque
	LoginAt        time.Time
	IdleMillis     int64
	IdleThresholdM int64 // configured threshold in milliseconds

	// Parental marks a session whose username is in the agent's parent
	// account list: tracked, but never monitored.
	Parental bool
}

// IsIdle reports whether the session's idle time has crossed its threshold.
func (s Session) IsIdle() bool {
	threshold := s.IdleThresholdM
	if threshold <= 0 {
		threshold = DefaultIdleThresholdMs
	}
	return s.IdleMillis >= threshold
}
