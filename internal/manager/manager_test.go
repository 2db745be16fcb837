package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/apexion-ai/sessiond/internal/analytics"
	"github.com/apexion-ai/sessiond/internal/cache"
	"github.com/apexion-ai/sessiond/internal/session"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	m     *Manager
	clock *testingclock.FakeClock
	store *countingStore
	cache *cache.MemoryCache
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	clk := testingclock.NewFakeClock(epoch)
	store := &countingStore{Store: session.NewMemoryStore(session.WithClock(clk))}
	c := cache.NewMemoryCache(clk)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	base := []Option{
		WithClock(clk),
		WithCache(c),
		WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
	}
	m, err := New(cfg, store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return &fixture{m: m, clock: clk, store: store, cache: c}
}

// countingStore counts calls that reach the durable store.
type countingStore struct {
	session.Store
	creates atomic.Int32
	gets    atomic.Int32
}

func (s *countingStore) CreateSession(ctx context.Context, p session.CreateParams) (*session.Session, error) {
	s.creates.Add(1)
	return s.Store.CreateSession(ctx, p)
}

func (s *countingStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s.gets.Add(1)
	return s.Store.GetSession(ctx, id)
}

// downStore fails every call as an unreachable backend would.
type downStore struct{ session.Store }

var errDown = session.Unavailable(errors.New("connection refused"))

func (downStore) CreateSession(context.Context, session.CreateParams) (*session.Session, error) {
	return nil, errDown
}
func (downStore) GetSession(context.Context, string) (*session.Session, error) { return nil, errDown }
func (downStore) AddMessage(context.Context, session.MessageParams) (*session.Message, error) {
	return nil, errDown
}
func (downStore) ListSessions(context.Context, session.ListQuery) ([]*session.Session, error) {
	return nil, errDown
}
func (downStore) Stats(context.Context, session.StatsQuery) (*session.Stats, error) {
	return nil, errDown
}

// panicRecorder simulates a corrupted analytics map.
type panicRecorder struct{}

func (panicRecorder) Record(string, analytics.Kind, map[string]any) analytics.Event {
	panic("analytics map corrupted")
}
func (panicRecorder) EventsFor(string) []analytics.Event { return nil }
func (panicRecorder) Purge(string) int { panic("analytics map corrupted") }
func (panicRecorder) PurgeOlderThan(time.Time) []analytics.Purged { panic("analytics map corrupted") }
func (panicRecorder) Len() int { return 0 }

func TestCareerAdviceScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.m.CreateSession(ctx, "u1", "career-advice", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Career-advice Chat", sess.Title)

	f.clock.Step(time.Second)
	_, err = f.m.AddMessage(ctx, sess.ID, session.RoleUser, "Hello", MessageOptions{UserID: "u1"})
	require.NoError(t, err)

	f.clock.Step(time.Second)
	tokens := 12
	reply, err := f.m.AddMessage(ctx, sess.ID, session.RoleAssistant, "Hi there", MessageOptions{
		UserID: "u1", Tokens: &tokens, Model: "gpt-4o-mini",
	})
	require.NoError(t, err)

	got, err := f.m.GetSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	assert.True(t, got.LastActivityAt.Equal(reply.CreatedAt))

	list, err := f.m.ListUserSessions(ctx, "u1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].MessageCount)

	kinds := []analytics.Kind{}
	for _, ev := range f.m.SessionEvents(sess.ID) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []analytics.Kind{analytics.KindCreated, analytics.KindMessage, analytics.KindMessage}, kinds)
}

func TestMessageCountMatchesPersistedMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)

	roles := []session.Role{session.RoleUser, session.RoleAssistant}
	for i := 0; i < 17; i++ {
		f.clock.Step(time.Duration(i%3) * time.Second)
		_, err := f.m.AddMessage(ctx, sess.ID, roles[i%2], "msg", MessageOptions{UserID: "u1"})
		require.NoError(t, err)

		got, err := f.m.GetSession(ctx, sess.ID, "u1")
		require.NoError(t, err)
		require.Equal(t, len(got.Messages), got.MessageCount)
	}
}

func TestIsSessionActive_FollowsRuntimeTimeout(t *testing.T) {
	f := newFixture(t, nil)
	s := &session.Session{CreatedAt: epoch, LastActivityAt: epoch}

	f.clock.Step(59 * time.Minute)
	assert.True(t, f.m.IsSessionActive(s))

	f.clock.Step(time.Minute)
	assert.False(t, f.m.IsSessionActive(s), "exactly at the timeout the session is idle")

	require.NoError(t, f.m.UpdateConfig(func(c *Config) { c.ChatSessionTimeout = 2 * time.Hour }))
	assert.True(t, f.m.IsSessionActive(s))

	require.NoError(t, f.m.UpdateConfig(func(c *Config) { c.ChatSessionTimeout = 10 * time.Minute }))
	assert.False(t, f.m.IsSessionActive(s))
}

func TestUpdateConfig_RejectsInvalid(t *testing.T) {
	f := newFixture(t, nil)
	err := f.m.UpdateConfig(func(c *Config) { c.MaxConcurrentSessions = 0 })
	assert.Error(t, err)
	assert.Equal(t, 5, f.m.Config().MaxConcurrentSessions)
}

func TestCreateSession_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, f.store.creates.Load())

	_, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.ErrorIs(t, err, session.ErrConcurrencyLimit)
	var opErr *session.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "create session", opErr.Op)
	assert.EqualValues(t, 5, f.store.creates.Load(), "rejected create must not reach the store")

	// Other users are unaffected.
	_, err = f.m.CreateSession(ctx, "u2", "general", CreateOptions{})
	require.NoError(t, err)

	// Once the sessions go idle the user may open more.
	f.clock.Step(61 * time.Minute)
	_, err = f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)
}

func TestCreateSession_ConcurrentCallersRespectLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrentSessions = 3 })
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, limited atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, session.ErrConcurrencyLimit):
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 3, ok.Load())
	assert.EqualValues(t, 7, limited.Load())
}

func TestCreateSession_Validation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.m.CreateSession(context.Background(), "", "general", CreateOptions{})
	assert.ErrorIs(t, err, session.ErrValidation)
	_, err = f.m.CreateSession(context.Background(), "u1", "", CreateOptions{})
	assert.ErrorIs(t, err, session.ErrValidation)
	assert.EqualValues(t, 0, f.store.creates.Load())
}

func TestIdleSessionRemainsReadable(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ChatSessionTimeout = time.Minute })
	ctx := context.Background()

	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)

	f.clock.Step(2 * time.Minute)
	assert.False(t, f.m.IsSessionActive(sess))

	got, err := f.m.GetSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// A new message makes it active again.
	_, err = f.m.AddMessage(ctx, sess.ID, session.RoleUser, "back", MessageOptions{UserID: "u1"})
	require.NoError(t, err)
	got, err = f.m.GetSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.True(t, f.m.IsSessionActive(got))
}

func TestDeleteSession_PurgesEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)
	_, err = f.m.AddMessage(ctx, sess.ID, session.RoleUser, "hello", MessageOptions{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, f.m.SessionEvents(sess.ID))
	_, cached := f.cache.Load(sess.ID)
	require.True(t, cached)

	require.NoError(t, f.m.DeleteSession(ctx, sess.ID, "u1"))

	assert.Empty(t, f.m.SessionEvents(sess.ID))
	_, cached = f.cache.Load(sess.ID)
	assert.False(t, cached)
	_, err = f.m.GetSession(ctx, sess.ID, "u1")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = f.store.Store.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound, "messages and session are gone from the store")
}

func TestOwnershipIsEnforced(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "owner", "general", CreateOptions{Title: "mine"})
	require.NoError(t, err)

	_, err = f.m.GetSession(ctx, sess.ID, "intruder")
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	title := "stolen"
	err = f.m.UpdateSession(ctx, sess.ID, "intruder", session.Update{Title: &title})
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	err = f.m.DeleteSession(ctx, sess.ID, "intruder")
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	_, err = f.m.AddMessage(ctx, sess.ID, session.RoleUser, "hi", MessageOptions{UserID: "intruder"})
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	got, err := f.m.GetSession(ctx, sess.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title)
	assert.Equal(t, 0, got.MessageCount)
	assert.Len(t, f.m.SessionEvents(sess.ID), 1, "only the created event")
}

func TestAddMessage_RejectsSystemRole(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)

	_, err = f.m.AddMessage(ctx, sess.ID, session.RoleSystem, "you are a bot", MessageOptions{UserID: "u1"})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = f.m.AddMessage(ctx, sess.ID, session.RoleUser, "hi", MessageOptions{})
	assert.ErrorIs(t, err, session.ErrValidation, "user id is required")
}

func TestUpdateSession_PartialAndCached(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{
		Title:   "Original",
		Context: json.RawMessage(`{"resumeId":"r1"}`),
	})
	require.NoError(t, err)

	title := "Renamed"
	require.NoError(t, f.m.UpdateSession(ctx, sess.ID, "u1", session.Update{Title: &title}))

	got, err := f.m.GetSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.JSONEq(t, `{"resumeId":"r1"}`, string(got.Context))

	snap, err := f.m.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", snap.Title)

	events := f.m.SessionEvents(sess.ID)
	require.Len(t, events, 2)
	assert.Equal(t, analytics.KindUpdated, events[1].Kind)
	assert.Equal(t, true, events[1].Payload["titleChanged"])
	assert.Equal(t, false, events[1].Payload["contextChanged"])

	require.NoError(t, f.m.UpdateSession(ctx, sess.ID, "u1", session.Update{}))
	assert.Len(t, f.m.SessionEvents(sess.ID), 2, "empty update records nothing")
}

func TestAddMessage_RefreshesCacheSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)

	f.clock.Step(5 * time.Minute)
	msg, err := f.m.AddMessage(ctx, sess.ID, session.RoleUser, "hello", MessageOptions{UserID: "u1"})
	require.NoError(t, err)

	data, ok := f.cache.Load(sess.ID)
	require.True(t, ok)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 1, snap.MessageCount)
	assert.True(t, snap.LastMessageAt.Equal(msg.CreatedAt))
}

func TestAddMessage_KeepsResumableSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)

	f.clock.Step(2 * 24 * time.Hour)
	_, err = f.m.AddMessage(ctx, sess.ID, session.RoleUser, "back again", MessageOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.Len(), "snapshot older than a day is refreshed, not dropped")

	before := f.store.gets.Load()
	snap, err := f.m.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.MessageCount)
	assert.Equal(t, before, f.store.gets.Load(), "served from cache")

	f.clock.Step(2 * 24 * time.Hour)
	title := "Later"
	require.NoError(t, f.m.UpdateSession(ctx, sess.ID, "u1", session.Update{Title: &title}))
	before = f.store.gets.Load()
	snap, err = f.m.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Later", snap.Title)
	assert.Equal(t, 1, snap.MessageCount, "merged into the existing snapshot")
	assert.Equal(t, before, f.store.gets.Load())
}

func TestResumeSession_PrefersFreshCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)
	before := f.store.gets.Load()

	f.clock.Step(6 * 24 * time.Hour)
	snap, err := f.m.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, snap.ID)
	assert.Equal(t, before, f.store.gets.Load(), "served from cache inside the resume window")

	_, err = f.m.ResumeSession(ctx, sess.ID, "intruder")
	assert.ErrorIs(t, err, session.ErrUnauthorized, "cache never bypasses ownership")

	f.clock.Step(8 * 24 * time.Hour)
	before = f.store.gets.Load()
	_, err = f.m.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, before+1, f.store.gets.Load(), "stale snapshot falls back to the store")
}

func TestManagerWorksWithoutCache(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	m, err := New(DefaultConfig(), session.NewMemoryStore(session.WithClock(clk)), WithClock(clk))
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, sess.ID, session.RoleUser, "hi", MessageOptions{UserID: "u1"})
	require.NoError(t, err)
	snap, err := m.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.MessageCount)
}

func TestStoreErrorsPropagate(t *testing.T) {
	clk := testingclock.NewFakeClock(epoch)
	m, err := New(DefaultConfig(), downStore{}, WithClock(clk))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.CreateSession(ctx, "u1", "general", CreateOptions{})
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)

	_, err = m.GetSession(ctx, "s1", "u1")
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
	var opErr *session.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "get session", opErr.Op)
	assert.Equal(t, "s1", opErr.SessionID)

	_, err = m.AddMessage(ctx, "s1", session.RoleUser, "x", MessageOptions{UserID: "u1"})
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)

	_, err = m.ListUserSessions(ctx, "u1", ListOptions{})
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)

	_, err = m.SessionStats(ctx, "u1")
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
}

func TestCanceledContextPropagates(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyticsFailureDoesNotBreakCRUD(t *testing.T) {
	f := newFixture(t, nil, WithRecorder(panicRecorder{}))
	ctx := context.Background()

	sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)
	_, err = f.m.AddMessage(ctx, sess.ID, session.RoleUser, "hi", MessageOptions{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, f.m.DeleteSession(ctx, sess.ID, "u1"))

	res := f.m.Sweep(ctx)
	assert.Empty(t, res.Archived)
}

func TestAnalyticsSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.EnableAnalytics = false })
		sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
		require.NoError(t, err)
		assert.Empty(t, f.m.SessionEvents(sess.ID))
	})

	t.Run("user behavior not tracked", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.TrackUserBehavior = false })
		sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{Metadata: &session.Metadata{Device: "mobile"}})
		require.NoError(t, err)
		events := f.m.SessionEvents(sess.ID)
		require.Len(t, events, 1)
		assert.NotContains(t, events[0].Payload, "userId")
		assert.NotContains(t, events[0].Payload, "device")
	})

	t.Run("user behavior tracked", func(t *testing.T) {
		f := newFixture(t, nil)
		sess, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{Metadata: &session.Metadata{Device: "mobile"}})
		require.NoError(t, err)
		events := f.m.SessionEvents(sess.ID)
		require.Len(t, events, 1)
		assert.Equal(t, "u1", events[0].Payload["userId"])
		assert.Equal(t, "mobile", events[0].Payload["device"])
	})
}

func TestListUserSessions(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxConcurrentSessions = 100 })
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		typ := "general"
		if i%5 == 0 {
			typ = "interview"
		}
		_, err := f.m.CreateSession(ctx, "u1", typ, CreateOptions{})
		require.NoError(t, err)
		f.clock.Step(time.Second)
	}

	list, err := f.m.ListUserSessions(ctx, "u1", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, list, DefaultListLimit)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].LastActivityAt.After(list[i-1].LastActivityAt), "most recent first")
	}

	interviews, err := f.m.ListUserSessions(ctx, "u1", ListOptions{Type: "interview"})
	require.NoError(t, err)
	assert.Len(t, interviews, 5)

	page, err := f.m.ListUserSessions(ctx, "u1", ListOptions{Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Len(t, page, 5)

	_, err = f.m.ListUserSessions(ctx, "", ListOptions{})
	assert.ErrorIs(t, err, session.ErrValidation)
	_, err = f.m.ListUserSessions(ctx, "u1", ListOptions{Limit: -1})
	assert.ErrorIs(t, err, session.ErrValidation)
}

func TestSessionAgeDays(t *testing.T) {
	f := newFixture(t, nil)
	s := &session.Session{CreatedAt: epoch, LastActivityAt: epoch}
	assert.Equal(t, 0, f.m.SessionAgeDays(s))

	f.clock.Step(47 * time.Hour)
	assert.Equal(t, 1, f.m.SessionAgeDays(s))

	f.clock.Step(time.Hour)
	assert.Equal(t, 2, f.m.SessionAgeDays(s))

	future := &session.Session{CreatedAt: f.clock.Now().Add(time.Hour)}
	assert.Equal(t, 0, f.m.SessionAgeDays(future))
}

func TestSessionStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.m.CreateSession(ctx, "u1", "general", CreateOptions{})
	require.NoError(t, err)
	f.clock.Step(2 * time.Hour)
	_, err = f.m.CreateSession(ctx, "u1", "interview", CreateOptions{})
	require.NoError(t, err)

	st, err := f.m.SessionStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalSessions)
	assert.Equal(t, 1, st.ActiveSessions, "active uses the chat session timeout")

	n, err := f.m.ActiveSessionCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.ChatSessionTimeout = 0
	_, err = New(cfg, session.NewMemoryStore())
	assert.Error(t, err)
}
