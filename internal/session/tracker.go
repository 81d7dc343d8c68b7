// Package session implements the Session Tracker (§4.3): resolves each
// agent's session telemetry to a bound child (or marks it parental),
// detects user switches, and republishes the result to subscribers.
package session

import (
	"sync"
	"time"

	"guardloop/internal/config"
	"guardloop/internal/model"
)

// Tracker holds the last-observed session per agent and decides, on each
// telemetry tick, whether a session ended, started, or merely continued.
type Tracker struct {
	store *config.Store

	mu      sync.Mutex
	current map[string]*model.Session // agentID -> last session observed

	updates chan model.Session
	ended   chan model.Session
}

// NewTracker builds a Tracker reading user/child bindings from store.
func NewTracker(store *config.Store) *Tracker {
	return &Tracker{
		store:   store,
		current: make(map[string]*model.Session),
		updates: make(chan model.Session, 64),
		ended:   make(chan model.Session, 64),
	}
}

// Updates emits one event per telemetry tick whose session isn't parental.
func (t *Tracker) Updates() <-chan model.Session { return t.updates }

// Ended emits the prior session whenever an agent's username changes,
// signaling the Usage Accountant to flush that session's accumulators.
func (t *Tracker) Ended() <-chan model.Session { return t.ended }

// Current returns the last session observed for agentID, if any.
func (t *Tracker) Current(agentID string) (model.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.current[agentID]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Observe processes one session-telemetry tick for agentID (§4.3 steps 1-3)
// and returns the resolved session alongside the child it's bound to
// (empty if unmapped). It runs synchronously inside the agent's queued
// lane, so no two Observe calls for the same agent ever interleave.
func (t *Tracker) Observe(agentID, username, sessionID string, loginAt time.Time, idleMillis int64) (model.Session, string) {
	blob := t.store.Snapshot()

	childID := ""
	if mapping, ok := blob.UserMappings[agentID]; ok {
		childID = mapping[username]
	}
	parental := containsUsername(blob.ParentAccounts[agentID], username)

	sess := model.Session{
		AgentID:        agentID,
		Username:       username,
		SessionID:      sessionID,
		LoginAt:        loginAt,
		IdleMillis:     idleMillis,
		IdleThresholdM: blob.Settings.IdleThresholdMs,
		Parental:       parental,
	}

	t.mu.Lock()
	prior, hadPrior := t.current[agentID]
	t.current[agentID] = &sess
	t.mu.Unlock()

	if parental {
		// Mark parental and emit nothing further — tracked internally only
		// so the Usage Accountant knows to skip this agent, but subscribers
		// never see a parental session update.
		return sess, childID
	}

	if hadPrior && prior.Username != username {
		t.ended <- *prior
	}
	t.updates <- sess
	return sess, childID
}

// BindImplicitMapping records username -> childID for agentID when a
// Control API bind arrives without an explicit user mapping already in
// place (§4.3: "binding an agent to a child without a user mapping
// implicitly maps the agent's current username to that child").
func (t *Tracker) BindImplicitMapping(agentID, username, childID string) error {
	return t.store.Mutate(func(b *config.Blob) error {
		if b.UserMappings[agentID] == nil {
			b.UserMappings[agentID] = make(map[string]string)
		}
		if _, exists := b.UserMappings[agentID][username]; !exists {
			b.UserMappings[agentID][username] = childID
		}
		return nil
	})
}

func containsUsername(usernames []string, username string) bool {
	for _, u := range usernames {
		if u == username {
			return true
		}
	}
	return false
}
