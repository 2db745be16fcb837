// Package manager coordinates the session lifecycle: creation under a
// per-user concurrency limit, ownership-checked access, activity-based
// liveness, the local cache, analytics and the background cleanup sweep.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/apexion-ai/sessiond/internal/analytics"
	"github.com/apexion-ai/sessiond/internal/cache"
	"github.com/apexion-ai/sessiond/internal/metrics"
	"github.com/apexion-ai/sessiond/internal/session"
)

// Recorder is the analytics sink used by the manager.
type Recorder interface {
	Record(sessionID string, kind analytics.Kind, payload map[string]any) analytics.Event
	EventsFor(sessionID string) []analytics.Event
	Purge(sessionID string) int
	PurgeOlderThan(threshold time.Time) []analytics.Purged
	Len() int
}

// Manager is the session lifecycle coordinator. Build one with New, then
// call Start to run the cleanup sweep and Stop to end it.
type Manager struct {
	store    session.Store
	cache    cache.Cache
	recorder Recorder
	metrics  *metrics.Collector
	clock    clock.WithTicker
	logger   zerolog.Logger
	archiver Archiver

	cfgMu sync.RWMutex
	cfg   Config

	createLocks userLocks

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache sets the local cache. Without one every read goes to the store.
func WithCache(c cache.Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithRecorder replaces the default in-memory analytics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithMetrics sets the Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithClock sets the clock used for liveness, analytics and the sweep ticker.
func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithArchiver sets where archive signals go. The default logs them.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// New builds a Manager over store.
func New(cfg Config, store session.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("manager: store is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.recorder == nil {
		m.recorder = analytics.NewRecorder(m.clock)
	}
	if m.archiver == nil {
		m.archiver = LogArchiver{Logger: m.logger}
	}
	m.logger = m.logger.With().Str("component", "session_manager").Logger()
	m.createLocks.locks = make(map[string]*userLock)
	return m, nil
}

// Config returns a copy of the current settings.
func (m *Manager) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// UpdateConfig applies fn to the settings. Changes to the cleanup interval
// take effect on the next Start.
func (m *Manager) UpdateConfig(fn func(*Config)) error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	next := m.cfg
	fn(&next)
	if err := next.validate(); err != nil {
		return err
	}
	m.cfg = next
	m.logger.Info().
		Dur("chat_session_timeout", next.ChatSessionTimeout).
		Int("max_concurrent_sessions", next.MaxConcurrentSessions).
		Msg("Session manager configuration updated")
	return nil
}

// CreateOptions are the optional fields of CreateSession.
type CreateOptions struct {
	Title    string
	Context  json.RawMessage
	Metadata *session.Metadata
}

// CreateSession opens a new session for userID unless the user already has
// MaxConcurrentSessions active sessions.
func (m *Manager) CreateSession(ctx context.Context, userID, sessionType string, opts CreateOptions) (*session.Session, error) {
	const op = "create session"
	if userID == "" {
		return nil, m.fail(op, "", session.Validationf("user id is required"))
	}
	if sessionType == "" {
		return nil, m.fail(op, "", session.Validationf("session type is required"))
	}

	unlock := m.createLocks.lock(userID)
	defer unlock()

	active, err := m.ActiveSessionCount(ctx, userID)
	if err != nil {
		return nil, m.fail(op, "", err)
	}
	limit := m.Config().MaxConcurrentSessions
	if active >= limit {
		m.metrics.SessionRejected(session.CodeConcurrencyLimit)
		m.logger.Info().
			Str("user_id", userID).
			Int("active", active).
			Int("limit", limit).
			Msg("Session creation rejected")
		return nil, m.fail(op, "", fmt.Errorf("%w: %d of %d sessions active", session.ErrConcurrencyLimit, active, limit))
	}

	sess, err := m.store.CreateSession(ctx, session.CreateParams{
		UserID:   userID,
		Type:     sessionType,
		Title:    opts.Title,
		Context:  opts.Context,
		Metadata: opts.Metadata,
	})
	if err != nil {
		return nil, m.fail(op, "", err)
	}

	payload := map[string]any{"type": sessionType, "title": sess.Title}
	if m.Config().TrackUserBehavior {
		payload["userId"] = userID
		if opts.Metadata != nil {
			payload["device"] = opts.Metadata.Device
		}
	}
	m.track(sess.ID, analytics.KindCreated, payload)
	m.remember(sess)
	m.metrics.SessionCreated(sessionType)

	m.logger.Info().
		Str("session_id", sess.ID).
		Str("user_id", userID).
		Str("type", sessionType).
		Msg("Session created")
	return sess, nil
}

// GetSession returns the session with its messages if userID owns it.
func (m *Manager) GetSession(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	sess, err := m.owned(ctx, sessionID, userID)
	if err != nil {
		return nil, m.fail("get session", sessionID, err)
	}
	m.remember(sess)
	return sess, nil
}

// UpdateSession applies a partial title/context update.
func (m *Manager) UpdateSession(ctx context.Context, sessionID, userID string, u session.Update) error {
	const op = "update session"
	current, err := m.owned(ctx, sessionID, userID)
	if err != nil {
		return m.fail(op, sessionID, err)
	}
	if u.Empty() {
		return nil
	}
	if err := m.store.UpdateSession(ctx, sessionID, u); err != nil {
		return m.fail(op, sessionID, err)
	}

	m.track(sessionID, analytics.KindUpdated, map[string]any{
		"titleChanged":   u.Title != nil,
		"contextChanged": len(u.Context) > 0,
	})

	// Merge into any snapshot ResumeSession could still serve.
	snap, ok := m.loadSnapshot(sessionID, m.Config().ResumeFreshness)
	if !ok {
		snap = snapshotOf(current)
	}
	if u.Title != nil {
		snap.Title = *u.Title
	}
	m.saveSnapshot(snap)
	return nil
}

// DeleteSession removes the session and its messages, purges its
// analytics and clears its cache entry.
func (m *Manager) DeleteSession(ctx context.Context, sessionID, userID string) error {
	const op = "delete session"
	if _, err := m.owned(ctx, sessionID, userID); err != nil {
		return m.fail(op, sessionID, err)
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return m.fail(op, sessionID, err)
	}

	m.purge(sessionID)
	m.forget(sessionID)
	m.metrics.SessionDeleted()

	m.logger.Info().Str("session_id", sessionID).Str("user_id", userID).Msg("Session deleted")
	return nil
}

// MessageOptions are the optional fields of AddMessage. UserID is required.
type MessageOptions struct {
	Tokens *int
	Model  string
	UserID string
}

// AddMessage appends a user or assistant message. The store checks
// ownership atomically with the append.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, role session.Role, content string, opts MessageOptions) (*session.Message, error) {
	const op = "add message"
	if role != session.RoleUser && role != session.RoleAssistant {
		return nil, m.fail(op, sessionID, session.Validationf("role %q cannot be added by callers", role))
	}
	msg, err := m.store.AddMessage(ctx, session.MessageParams{
		SessionID: sessionID,
		UserID:    opts.UserID,
		Role:      role,
		Content:   content,
		Tokens:    opts.Tokens,
		Model:     opts.Model,
	})
	if err != nil {
		return nil, m.fail(op, sessionID, err)
	}

	payload := map[string]any{"messageId": msg.ID, "role": string(role), "length": len(content)}
	if msg.Tokens != nil {
		payload["tokens"] = *msg.Tokens
	}
	if msg.Model != "" {
		payload["model"] = msg.Model
	}
	m.track(sessionID, analytics.KindMessage, payload)
	m.metrics.MessageAdded(string(role))

	if snap, ok := m.loadSnapshot(sessionID, m.Config().ResumeFreshness); ok {
		snap.LastMessageAt = msg.CreatedAt
		snap.MessageCount++
		m.saveSnapshot(snap)
	}
	return msg, nil
}

// ListOptions filters and pages ListUserSessions.
type ListOptions struct {
	Type            string
	Limit           int // 0 = DefaultListLimit
	Offset          int
	IncludeMessages bool
}

// ListUserSessions returns the user's sessions, most recently active first.
func (m *Manager) ListUserSessions(ctx context.Context, userID string, opts ListOptions) ([]*session.Session, error) {
	const op = "list sessions"
	if userID == "" {
		return nil, m.fail(op, "", session.Validationf("user id is required"))
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, m.fail(op, "", session.Validationf("limit and offset must not be negative"))
	}
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	sessions, err := m.store.ListSessions(ctx, session.ListQuery{
		UserID:          userID,
		Type:            opts.Type,
		Limit:           limit,
		Offset:          opts.Offset,
		IncludeMessages: opts.IncludeMessages,
	})
	if err != nil {
		return nil, m.fail(op, "", err)
	}
	for _, s := range sessions {
		m.remember(s)
	}
	return sessions, nil
}

// IsSessionActive reports whether the session saw activity within the
// current chat session timeout.
func (m *Manager) IsSessionActive(s *session.Session) bool {
	return m.clock.Since(s.LastActivityAt) < m.Config().ChatSessionTimeout
}

// SessionAgeDays returns whole days since the session was created.
func (m *Manager) SessionAgeDays(s *session.Session) int {
	age := m.clock.Since(s.CreatedAt)
	if age < 0 {
		return 0
	}
	return int(age / (24 * time.Hour))
}

// ActiveSessionCount returns how many of the user's sessions are active.
func (m *Manager) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	since := m.clock.Now().Add(-m.Config().ChatSessionTimeout)
	recent, err := m.store.ListSessions(ctx, session.ListQuery{UserID: userID, ActiveSince: since})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range recent {
		if m.IsSessionActive(s) {
			n++
		}
	}
	return n, nil
}

// SessionStats returns usage statistics; empty userID covers all users.
func (m *Manager) SessionStats(ctx context.Context, userID string) (*session.Stats, error) {
	st, err := m.store.Stats(ctx, session.StatsQuery{
		UserID:      userID,
		ActiveSince: m.clock.Now().Add(-m.Config().ChatSessionTimeout),
	})
	if err != nil {
		return nil, m.fail("session stats", "", err)
	}
	return st, nil
}

// SessionEvents returns the in-memory analytics for a session.
func (m *Manager) SessionEvents(sessionID string) []analytics.Event {
	return m.recorder.EventsFor(sessionID)
}

// ResumeSession returns a session summary, served from the cache when a
// snapshot younger than ResumeFreshness exists and otherwise from the store.
func (m *Manager) ResumeSession(ctx context.Context, sessionID, userID string) (*Snapshot, error) {
	if snap, ok := m.loadSnapshot(sessionID, m.Config().ResumeFreshness); ok && snap.UserID == userID && userID != "" {
		return &snap, nil
	}
	sess, err := m.GetSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	snap := snapshotOf(sess)
	return &snap, nil
}

// owned fetches the session and checks that userID owns it.
func (m *Manager) owned(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	if sessionID == "" {
		return nil, session.Validationf("session id is required")
	}
	if userID == "" {
		return nil, session.Validationf("user id is required")
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, session.ErrUnauthorized
	}
	return sess, nil
}

// track records an analytics event. A faulty recorder never fails the
// calling operation.
func (m *Manager) track(sessionID string, kind analytics.Kind, payload map[string]any) {
	if !m.Config().EnableAnalytics {
		return
	}
	defer m.isolate(sessionID)
	m.recorder.Record(sessionID, kind, payload)
	m.metrics.AnalyticsEvent(string(kind))
	m.metrics.TrackedSessions(m.recorder.Len())
}

func (m *Manager) purge(sessionID string) {
	defer m.isolate(sessionID)
	n := m.recorder.Purge(sessionID)
	m.metrics.AnalyticsEvent(string(analytics.KindDeleted))
	m.metrics.TrackedSessions(m.recorder.Len())
	m.logger.Debug().Str("session_id", sessionID).Int("events", n).Msg("Analytics purged")
}

func (m *Manager) isolate(sessionID string) {
	if r := recover(); r != nil {
		m.metrics.AnalyticsFailure()
		m.logger.Error().
			Str("session_id", sessionID).
			Interface("panic", r).
			Msg("Analytics recorder failed")
	}
}

// fail wraps err with the operation name and counts it.
func (m *Manager) fail(op, sessionID string, err error) error {
	code := session.Code(err)
	m.metrics.OperationFailed(op, code)
	ev := m.logger.Debug()
	if code == session.CodeStoreUnavailable || code == session.CodeInternal {
		ev = m.logger.Warn()
	}
	ev.Str("op", op).Str("session_id", sessionID).Err(err).Msg("Session operation failed")
	return &session.OpError{Op: op, SessionID: sessionID, Err: err}
}

// userLocks serialises session creation per user so two concurrent
// creates cannot both pass the limit check in this process.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul := l.locks[userID]
	if ul == nil {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
