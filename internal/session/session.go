// Package session defines the conversational session model, the typed errors
// shared by every layer, and the Store contract with its SQLite and in-memory
// implementations.
package session

import (
	"encoding/json"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Metadata describes the client that opened a session.
type Metadata struct {
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	Device    string `json:"device,omitempty"`
}

// Session is one conversation owned by a single user.
type Session struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Type           string          `json:"type"`
	Title          string          `json:"title"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	MessageCount   int             `json:"messageCount"`
	Context        json.RawMessage `json:"context,omitempty"`
	Metadata       *Metadata       `json:"metadata,omitempty"`

	// Messages is nil for summaries.
	Messages []Message `json:"messages,omitempty"`
}

// Message is an immutable entry in a session's history.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Tokens    *int      `json:"tokens,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// Stats aggregates session usage, optionally scoped to one user.
type Stats struct {
	TotalSessions       int            `json:"totalSessions"`
	ActiveSessions      int            `json:"activeSessions"`
	AverageDuration     float64        `json:"averageDuration"` // minutes
	TotalMessages       int            `json:"totalMessages"`
	PeakConcurrentUsers int            `json:"peakConcurrentUsers"`
	SessionTypes        map[string]int `json:"sessionTypes"`
	GeneratedAt         time.Time      `json:"generatedAt"`
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// DefaultTitle is the title given to sessions created without one,
// e.g. "Interview Chat" for type "interview".
func DefaultTitle(sessionType string) string {
	if sessionType == "" {
		return "Chat"
	}
	r, size := utf8.DecodeRuneInString(sessionType)
	return string(unicode.ToUpper(r)) + sessionType[size:] + " Chat"
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Context != nil {
		c.Context = append(json.RawMessage(nil), s.Context...)
	}
	if s.Metadata != nil {
		md := *s.Metadata
		c.Metadata = &md
	}
	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			c.Messages[i] = m.clone()
		}
	}
	return &c
}

func (m Message) clone() Message {
	if m.Tokens != nil {
		t := *m.Tokens
		m.Tokens = &t
	}
	return m
}
