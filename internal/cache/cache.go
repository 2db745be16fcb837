// Package cache is the per-device session cache. Entries carry the time
// they were saved and are only served while younger than the caller's
// freshness window. A miss is never an error.
package cache

import (
	"time"
)

const (
	// DefaultFreshness is the window used by Load.
	DefaultFreshness = 24 * time.Hour

	// ResumeFreshness is the window for reconstructing a session on resume.
	ResumeFreshness = 7 * 24 * time.Hour
)

// Cache stores opaque session payloads keyed by session id.
type Cache interface {
	// Save stamps data with the current time, replacing any prior entry.
	Save(sessionID string, data []byte) error
	// Load returns the entry if it is younger than DefaultFreshness.
	Load(sessionID string) ([]byte, bool)
	// LoadWithin returns the entry if it is younger than window. Stale
	// entries are deleted.
	LoadWithin(sessionID string, window time.Duration) ([]byte, bool)
	Clear(sessionID string) error
	Close() error
}

// Entry is the stored form of a cached payload.
type Entry struct {
	SessionID string    `json:"sessionId"`
	SavedAt   time.Time `json:"savedAt"`
	Data      []byte    `json:"data"`
}

func fresh(e Entry, now time.Time, window time.Duration) bool {
	return now.Sub(e.SavedAt) < window
}
