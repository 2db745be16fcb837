package session

import (
	"context"
	"encoding/json"
	"time"
)

// CreateParams describes a new session. The store assigns ID and timestamps.
type CreateParams struct {
	UserID   string          `json:"userId"`
	Type     string          `json:"type"`
	Title    string          `json:"title,omitempty"`
	Context  json.RawMessage `json:"context,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// Update is a partial session update. Nil fields are left unchanged.
type Update struct {
	Title   *string         `json:"title,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Empty reports whether u changes nothing.
func (u Update) Empty() bool {
	return u.Title == nil && len(u.Context) == 0
}

// MessageParams describes a message to append. UserID must own the session.
type MessageParams struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Tokens    *int   `json:"tokens,omitempty"`
	Model     string `json:"model,omitempty"`
}

// ListQuery filters and pages a user's sessions. Results are ordered by
// LastActivityAt, most recent first.
type ListQuery struct {
	UserID          string
	Type            string // exact match; empty = all
	Limit           int    // 0 = unlimited
	Offset          int
	IncludeMessages bool

	// ActiveSince, when non-zero, keeps only sessions with
	// LastActivityAt >= ActiveSince.
	ActiveSince time.Time
}

// StatsQuery scopes a stats request. Empty UserID aggregates all users.
type StatsQuery struct {
	UserID string

	// ActiveSince is the cutoff for "active". Zero = 24h before now.
	ActiveSince time.Time
}

// DefaultActiveWindow is the stats activity window when none is given.
const DefaultActiveWindow = 24 * time.Hour

// Store is the durable source of truth for sessions and messages.
type Store interface {
	CreateSession(ctx context.Context, p CreateParams) (*Session, error)
	// GetSession returns the session with its messages in creation order.
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, u Update) error
	// DeleteSession removes the session and all of its messages.
	DeleteSession(ctx context.Context, id string) error
	// AddMessage appends a message, increments MessageCount and advances
	// LastActivityAt atomically.
	AddMessage(ctx context.Context, p MessageParams) (*Message, error)
	ListSessions(ctx context.Context, q ListQuery) ([]*Session, error)
	Stats(ctx context.Context, q StatsQuery) (*Stats, error)
	Close() error
}

// ValidateCreate checks the fields every store requires on creation.
func ValidateCreate(p CreateParams) error {
	if p.UserID == "" {
		return Validationf("user id is required")
	}
	if p.Type == "" {
		return Validationf("session type is required")
	}
	return nil
}

// ValidateMessage checks a message before it is appended.
func ValidateMessage(p MessageParams) error {
	if p.SessionID == "" {
		return Validationf("session id is required")
	}
	if p.UserID == "" {
		return Validationf("user id is required")
	}
	if !p.Role.Valid() {
		return Validationf("unknown role %q", p.Role)
	}
	if p.Content == "" {
		return Validationf("message content is required")
	}
	if p.Tokens != nil && *p.Tokens < 0 {
		return Validationf("tokens must not be negative")
	}
	return nil
}

// ValidateContext rejects context payloads that are not JSON.
func ValidateContext(raw json.RawMessage) error {
	if len(raw) > 0 && !json.Valid(raw) {
		return Validationf("context must be valid JSON")
	}
	return nil
}

// messageTime returns the timestamp for a message appended at now to a
// session last active at last, keeping LastActivityAt non-decreasing.
func messageTime(now, last time.Time) time.Time {
	if now.Before(last) {
		return last
	}
	return now
}

// durationMinutes is the session's lifetime so far, in minutes.
func durationMinutes(s *Session) float64 {
	return s.LastActivityAt.Sub(s.CreatedAt).Minutes()
}
