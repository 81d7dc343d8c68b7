package model

import "time"

// OracleVerdict is the external quota/permission service's answer for one
// (child, activity) pair.
type OracleVerdict struct {
	ChildID          string
	Activity         ActivityKind
	Allowed          bool
	Banned           bool
	RemainingSeconds int
	AsOf             time.Time

	// Stale is set by the Oracle Client when a cached verdict is returned
	// because the live check failed and the cache is outside its 60s TTL.
	// The Planner receives it too: a stale verdict that is banned or not
	// allowed still yields a Logout, any other stale verdict yields none.
	Stale bool
}

// Permits reports whether the verdict currently allows the activity.
func (v OracleVerdict) Permits() bool {
	return v.Allowed && !v.Banned
}
