package manager

import (
	"encoding/json"
	"time"

	"github.com/apexion-ai/sessiond/internal/session"
)

// Snapshot is the partial session kept in the local cache.
type Snapshot struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	MessageCount  int       `json:"messageCount"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

func snapshotOf(s *session.Session) Snapshot {
	return Snapshot{
		ID:            s.ID,
		UserID:        s.UserID,
		Type:          s.Type,
		Title:         s.Title,
		MessageCount:  s.MessageCount,
		CreatedAt:     s.CreatedAt,
		LastMessageAt: s.LastActivityAt,
	}
}

// remember writes the session's snapshot to the cache. Failures only cost
// latency, so they are logged and dropped.
func (m *Manager) remember(s *session.Session) {
	m.saveSnapshot(snapshotOf(s))
}

func (m *Manager) saveSnapshot(snap Snapshot) {
	if m.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err == nil {
		err = m.cache.Save(snap.ID, data)
	}
	if err != nil {
		m.logger.Debug().Err(err).Str("session_id", snap.ID).Msg("Cache save failed")
	}
}

func (m *Manager) loadSnapshot(sessionID string, window time.Duration) (Snapshot, bool) {
	var snap Snapshot
	if m.cache == nil {
		return snap, false
	}
	data, ok := m.cache.LoadWithin(sessionID, window)
	if ok && json.Unmarshal(data, &snap) != nil {
		_ = m.cache.Clear(sessionID)
		ok = false
	}
	m.metrics.CacheLookup(ok)
	return snap, ok
}

func (m *Manager) forget(sessionID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Clear(sessionID); err != nil {
		m.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Cache clear failed")
	}
}
