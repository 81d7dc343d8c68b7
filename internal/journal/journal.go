// Package journal implements the Journal (§4.8): two bounded, append-at-
// head in-memory rings (violations, activity) with fan-out to UI
// subscribers as new entries land.
package journal

import (
	"sync"

	"github.com/google/uuid"

	"guardloop/internal/model"
)

const (
	violationsCap = 200
	activityCap   = 500
)

// Entry is one fan-out notification: exactly one of Violation or
// Activity is set, mirroring the EnforcementIntent tagged-union style.
type Entry struct {
	Violation *model.Violation
	Activity  *model.ActivityEvent
}

// Journal owns the violations/activity rings and broadcasts each new
// entry to every live subscriber, adapting the register/unregister/
// broadcast shape the Agent Gateway's websocket Hub uses for its own
// connection fan-out, generalized to UI subscriber channels instead of
// agent connections.
type Journal struct {
	mu         sync.RWMutex
	violations []model.Violation // head = index 0, newest first
	activity   []model.ActivityEvent

	subMu       sync.Mutex
	subscribers map[string]chan Entry
}

// New builds an empty Journal.
func New() *Journal {
	return &Journal{
		subscribers: make(map[string]chan Entry),
	}
}

// RecordViolation appends v to the violations ring (evicting the oldest
// past cap 200) and fans it out to every subscriber.
func (j *Journal) RecordViolation(v model.Violation) {
	j.mu.Lock()
	j.violations = prepend(j.violations, v, violationsCap)
	j.mu.Unlock()
	j.broadcast(Entry{Violation: &v})
}

// RecordActivity appends e to the activity ring (evicting the oldest
// past cap 500) and fans it out to every subscriber.
func (j *Journal) RecordActivity(e model.ActivityEvent) {
	j.mu.Lock()
	j.activity = prepend(j.activity, e, activityCap)
	j.mu.Unlock()
	j.broadcast(Entry{Activity: &e})
}

func prepend[T any](ring []T, item T, maxLen int) []T {
	ring = append(ring, item)
	copy(ring[1:], ring)
	ring[0] = item
	if len(ring) > maxLen {
		ring = ring[:maxLen]
	}
	return ring
}

// Violations returns the newest-first violations, capped at limit (0 or
// negative means "all").
func (j *Journal) Violations(limit int) []model.Violation {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return sliceLimit(j.violations, limit)
}

// Activity returns the newest-first activity log, capped at limit (0 or
// negative means "all").
func (j *Journal) Activity(limit int) []model.ActivityEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return sliceLimit(j.activity, limit)
}

func sliceLimit[T any](items []T, limit int) []T {
	if limit <= 0 || limit >= len(items) {
		out := make([]T, len(items))
		copy(out, items)
		return out
	}
	out := make([]T, limit)
	copy(out, items[:limit])
	return out
}

// ClearViolations empties the violations ring, per the Control API's
// clearViolations command.
func (j *Journal) ClearViolations() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.violations = nil
}

// Subscribe registers a new UI subscriber and returns its channel plus
// an id to pass to Unsubscribe. The channel is buffered so a slow
// reader never blocks RecordViolation/RecordActivity; a full channel
// drops the oldest-pending entry for that subscriber rather than the
// journal stalling.
func (j *Journal) Subscribe() (string, <-chan Entry) {
	id := uuid.New().String()
	ch := make(chan Entry, 64)
	j.subMu.Lock()
	j.subscribers[id] = ch
	j.subMu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (j *Journal) Unsubscribe(id string) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	if ch, ok := j.subscribers[id]; ok {
		delete(j.subscribers, id)
		close(ch)
	}
}

func (j *Journal) broadcast(entry Entry) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for _, ch := range j.subscribers {
		select {
		case ch <- entry:
		default:
			// Drop-oldest: pop one pending entry, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- entry:
			default:
			}
		}
	}
}
