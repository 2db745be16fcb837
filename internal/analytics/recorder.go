// Package analytics keeps an append-only, in-memory log of lifecycle events
// per session. It is not durable; a restart loses it.
package analytics

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Kind classifies an analytics event.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
	KindMessage Kind = "message"
)

// Event is one recorded lifecycle event.
type Event struct {
	SessionID string         `json:"sessionId"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Purged reports a session whose events were dropped by PurgeOlderThan.
type Purged struct {
	SessionID   string
	LastEventAt time.Time
	Events      int
}

// Recorder stores events keyed by session id.
type Recorder struct {
	mu     sync.RWMutex
	events map[string][]Event
	clock  clock.PassiveClock
}

// NewRecorder returns an empty Recorder. A nil clock uses real time.
func NewRecorder(clk clock.PassiveClock) *Recorder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Recorder{events: make(map[string][]Event), clock: clk}
}

// Record appends an event stamped with the current time.
func (r *Recorder) Record(sessionID string, kind Kind, payload map[string]any) Event {
	ev := Event{
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: r.clock.Now(),
		Payload:   payload,
	}
	r.mu.Lock()
	r.events[sessionID] = append(r.events[sessionID], ev)
	r.mu.Unlock()
	return ev
}

// EventsFor returns a copy of the session's events in recording order.
func (r *Recorder) EventsFor(sessionID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	evs := r.events[sessionID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}

// Purge drops every event for the session and returns how many there were.
func (r *Recorder) Purge(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.events[sessionID])
	delete(r.events, sessionID)
	return n
}

// Sessions returns the ids of every tracked session, sorted.
func (r *Recorder) Sessions() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// LastEventAt returns the timestamp of the session's most recent event.
func (r *Recorder) LastEventAt(sessionID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	evs := r.events[sessionID]
	if len(evs) == 0 {
		return time.Time{}, false
	}
	return evs[len(evs)-1].Timestamp, true
}

// PurgeOlderThan drops every session whose most recent event is before
// threshold. The scan and the deletes happen under one lock.
func (r *Recorder) PurgeOlderThan(threshold time.Time) []Purged {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged []Purged
	for id, evs := range r.events {
		if len(evs) == 0 {
			delete(r.events, id)
			continue
		}
		last := evs[len(evs)-1].Timestamp
		if last.Before(threshold) {
			purged = append(purged, Purged{SessionID: id, LastEventAt: last, Events: len(evs)})
			delete(r.events, id)
		}
	}
	sort.Slice(purged, func(i, j int) bool { return purged[i].SessionID < purged[j].SessionID })
	return purged
}

// Len returns the number of tracked sessions.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
