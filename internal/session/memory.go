package session

import (
	"context"
	"sort"
	"sync"

	"k8s.io/utils/clock"
)

// MemoryStore implements Store in process memory. It is used by tests and
// by the "memory" store driver.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    clock.PassiveClock
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		sessions: make(map[string]*Session),
		clock:    o.clock,
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, p CreateParams) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateCreate(p); err != nil {
		return nil, err
	}
	if err := ValidateContext(p.Context); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	sess := &Session{
		ID:             NewID(),
		UserID:         p.UserID,
		Type:           p.Type,
		Title:          p.Title,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		Context:        p.Context,
		Metadata:       p.Metadata,
		Messages:       []Message{},
	}
	if sess.Title == "" {
		sess.Title = DefaultTitle(p.Type)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess.Clone()
	s.mu.Unlock()

	out := sess.Clone()
	out.Messages = nil
	return out, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, id string, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateContext(u.Context); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if u.Title != nil {
		sess.Title = *u.Title
	}
	if len(u.Context) > 0 {
		sess.Context = append([]byte(nil), u.Context...)
	}
	sess.UpdatedAt = s.clock.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, p MessageParams) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateMessage(p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[p.SessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.UserID != p.UserID {
		return nil, ErrUnauthorized
	}

	created := messageTime(s.clock.Now().UTC(), sess.LastActivityAt)
	msg := Message{
		ID:        NewID(),
		SessionID: p.SessionID,
		Role:      p.Role,
		Content:   p.Content,
		CreatedAt: created,
		Tokens:    p.Tokens,
		Model:     p.Model,
	}
	msg = msg.clone()
	sess.Messages = append(sess.Messages, msg)
	sess.MessageCount = len(sess.Messages)
	sess.LastActivityAt = created
	sess.UpdatedAt = created

	out := msg.clone()
	return &out, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, q ListQuery) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.UserID == "" {
		return nil, Validationf("user id is required")
	}
	s.mu.RLock()
	var matched []*Session
	for _, sess := range s.sessions {
		if sess.UserID != q.UserID {
			continue
		}
		if q.Type != "" && sess.Type != q.Type {
			continue
		}
		if !q.ActiveSince.IsZero() && sess.LastActivityAt.Before(q.ActiveSince) {
			continue
		}
		c := sess.Clone()
		if !q.IncludeMessages {
			c.Messages = nil
		}
		matched = append(matched, c)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	out := []*Session{}
	offset := max(q.Offset, 0)
	if offset >= len(matched) {
		return out, nil
	}
	matched = matched[offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return append(out, matched...), nil
}

func (s *MemoryStore) Stats(ctx context.Context, q StatsQuery) (*Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	since := q.ActiveSince
	if since.IsZero() {
		since = now.Add(-DefaultActiveWindow)
	}

	st := &Stats{SessionTypes: map[string]int{}, GeneratedAt: now}
	activeUsers := map[string]struct{}{}
	var totalMinutes float64

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if q.UserID != "" && sess.UserID != q.UserID {
			continue
		}
		st.TotalSessions++
		st.TotalMessages += sess.MessageCount
		st.SessionTypes[sess.Type]++
		totalMinutes += durationMinutes(sess)
		if !sess.LastActivityAt.Before(since) {
			st.ActiveSessions++
			activeUsers[sess.UserID] = struct{}{}
		}
	}
	if st.TotalSessions > 0 {
		st.AverageDuration = totalMinutes / float64(st.TotalSessions)
	}
	st.PeakConcurrentUsers = len(activeUsers)
	return st, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
