// Package sessiontest holds a conformance suite run against every
// session.Store implementation.
package sessiontest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/apexion-ai/sessiond/internal/session"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// Factory builds a fresh, empty store whose timestamps come from clk.
type Factory func(t *testing.T, clk *testingclock.FakeClock) session.Store

// RunStoreTests exercises the full Store contract.
func RunStoreTests(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s session.Store, clk *testingclock.FakeClock)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateValidation", testCreateValidation},
		{"GetMissing", testGetMissing},
		{"UpdatePartial", testUpdatePartial},
		{"AddMessage", testAddMessage},
		{"AddMessageRejects", testAddMessageRejects},
		{"MessageTimeNeverGoesBackwards", testMessageTimeMonotonic},
		{"DeleteCascades", testDeleteCascades},
		{"ListOrderingAndFilters", testList},
		{"Stats", testStats},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := testingclock.NewFakeClock(Epoch)
			s := newStore(t, clk)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s, clk)
		})
	}
}

func create(t *testing.T, s session.Store, userID, typ string) *session.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), session.CreateParams{UserID: userID, Type: typ})
	require.NoError(t, err)
	return sess
}

func addMessage(t *testing.T, s session.Store, sess *session.Session, role session.Role, content string) *session.Message {
	t.Helper()
	msg, err := s.AddMessage(context.Background(), session.MessageParams{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Role:      role,
		Content:   content,
	})
	require.NoError(t, err)
	return msg
}

func testCreateAndGet(t *testing.T, s session.Store, _ *testingclock.FakeClock) {
	ctx := context.Background()
	created, err := s.CreateSession(ctx, session.CreateParams{
		UserID:   "u1",
		Type:     "interview",
		Context:  json.RawMessage(`{"jobId":"j-42"}`),
		Metadata: &session.Metadata{Device: "desktop"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Interview Chat", created.Title)
	assert.Equal(t, 0, created.MessageCount)
	assert.True(t, created.CreatedAt.Equal(Epoch))
	assert.True(t, created.LastActivityAt.Equal(created.CreatedAt))

	other := create(t, s, "u1", "interview")
	assert.NotEqual(t, created.ID, other.ID, "ids must be unique")

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "interview", got.Type)
	assert.JSONEq(t, `{"jobId":"j-42"}`, string(got.Context))
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "desktop", got.Metadata.Device)
	assert.Empty(t, got.Messages)
}

func testCreateValidation(t *testing.T, s session.Store, _ *testingclock.FakeClock) {
	ctx := context.Background()
	_, err := s.CreateSession(ctx, session.CreateParams{Type: "general"})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = s.CreateSession(ctx, session.CreateParams{UserID: "u1"})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = s.CreateSession(ctx, session.CreateParams{UserID: "u1", Type: "general", Context: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, session.ErrValidation)
}

func testGetMissing(t *testing.T, s session.Store, _ *testingclock.FakeClock) {
	_, err := s.GetSession(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testUpdatePartial(t *testing.T, s session.Store, _ *testingclock.FakeClock) {
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, session.CreateParams{
		UserID: "u1", Type: "general", Title: "First", Context: json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)

	title := "Renamed"
	require.NoError(t, s.UpdateSession(ctx, sess.ID, session.Update{Title: &title}))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.JSONEq(t, `{"a":1}`, string(got.Context), "context must be untouched")

	require.NoError(t, s.UpdateSession(ctx, sess.ID, session.Update{Context: json.RawMessage(`{"b":2}`)}))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title, "title must be untouched")
	assert.JSONEq(t, `{"b":2}`, string(got.Context))
	assert.True(t, got.LastActivityAt.Equal(sess.LastActivityAt), "updates do not count as activity")

	err = s.UpdateSession(ctx, "missing", session.Update{Title: &title})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testAddMessage(t *testing.T, s session.Store, clk *testingclock.FakeClock) {
	ctx := context.Background()
	sess := create(t, s, "u1", "general")

	clk.Step(time.Minute)
	first := addMessage(t, s, sess, session.RoleUser, "hello")
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, sess.ID, first.SessionID)
	assert.True(t, first.CreatedAt.Equal(Epoch.Add(time.Minute)))

	clk.Step(time.Minute)
	tokens := 42
	second, err := s.AddMessage(ctx, session.MessageParams{
		SessionID: sess.ID, UserID: "u1", Role: session.RoleAssistant,
		Content: "hi there", Tokens: &tokens, Model: "gpt-4o-mini",
	})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MessageCount)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, first.ID, got.Messages[0].ID)
	assert.Equal(t, second.ID, got.Messages[1].ID)
	assert.Equal(t, session.RoleAssistant, got.Messages[1].Role)
	require.NotNil(t, got.Messages[1].Tokens)
	assert.Equal(t, 42, *got.Messages[1].Tokens)
	assert.Equal(t, "gpt-4o-mini", got.Messages[1].Model)
	assert.Nil(t, got.Messages[0].Tokens)
	assert.True(t, got.LastActivityAt.Equal(Epoch.Add(2*time.Minute)))
	assert.True(t, got.LastActivityAt.Equal(got.Messages[1].CreatedAt))
}

func testAddMessageRejects(t *testing.T, s session.Store, _ *testingclock.FakeClock) {
	ctx := context.Background()
	sess := create(t, s, "owner", "general")

	_, err := s.AddMessage(ctx, session.MessageParams{SessionID: sess.ID, UserID: "intruder", Role: session.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	_, err = s.AddMessage(ctx, session.MessageParams{SessionID: "missing", UserID: "owner", Role: session.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, session.ErrNotFound)

	_, err = s.AddMessage(ctx, session.MessageParams{SessionID: sess.ID, UserID: "owner", Role: "robot", Content: "x"})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = s.AddMessage(ctx, session.MessageParams{SessionID: sess.ID, UserID: "owner", Role: session.RoleUser})
	assert.ErrorIs(t, err, session.ErrValidation)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.MessageCount, "rejected appends must not count")
}

func testMessageTimeMonotonic(t *testing.T, s session.Store, clk *testingclock.FakeClock) {
	ctx := context.Background()
	sess := create(t, s, "u1", "general")

	clk.Step(10 * time.Minute)
	first := addMessage(t, s, sess, session.RoleUser, "one")

	// Wall clock jumps backwards.
	clk.SetTime(Epoch.Add(time.Minute))
	second := addMessage(t, s, sess, session.RoleAssistant, "two")
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "one", got.Messages[0].Content)
	assert.Equal(t, "two", got.Messages[1].Content)
	assert.True(t, got.LastActivityAt.Equal(first.CreatedAt))
}

func testDeleteCascades(t *testing.T, s session.Store, _ *testingclock.FakeClock) {
	ctx := context.Background()
	sess := create(t, s, "u1", "general")
	addMessage(t, s, sess, session.RoleUser, "hello")
	keep := create(t, s, "u1", "general")
	addMessage(t, s, keep, session.RoleUser, "still here")

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err := s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = s.AddMessage(ctx, session.MessageParams{SessionID: sess.ID, UserID: "u1", Role: session.RoleUser, Content: "late"})
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, sess.ID), session.ErrNotFound)

	got, err := s.GetSession(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
}

func testList(t *testing.T, s session.Store, clk *testingclock.FakeClock) {
	ctx := context.Background()
	a := create(t, s, "u1", "general")
	clk.Step(time.Minute)
	b := create(t, s, "u1", "interview")
	clk.Step(time.Minute)
	c := create(t, s, "u1", "general")
	create(t, s, "u2", "general")

	// a becomes the most recently active.
	clk.Step(time.Minute)
	addMessage(t, s, a, session.RoleUser, "bump")

	list, err := s.ListSessions(ctx, session.ListQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID, b.ID}, ids(list))
	for _, sess := range list {
		assert.Nil(t, sess.Messages, "summaries omit messages")
	}

	list, err = s.ListSessions(ctx, session.ListQuery{UserID: "u1", Type: "general"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, ids(list))

	list, err = s.ListSessions(ctx, session.ListQuery{UserID: "u1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids(list))

	list, err = s.ListSessions(ctx, session.ListQuery{UserID: "u1", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListSessions(ctx, session.ListQuery{UserID: "u1", IncludeMessages: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Messages, 1)
	assert.Equal(t, "bump", list[0].Messages[0].Content)

	list, err = s.ListSessions(ctx, session.ListQuery{UserID: "u1", ActiveSince: Epoch.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, ids(list))

	list, err = s.ListSessions(ctx, session.ListQuery{UserID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.ListSessions(ctx, session.ListQuery{})
	assert.ErrorIs(t, err, session.ErrValidation)
}

func testStats(t *testing.T, s session.Store, clk *testingclock.FakeClock) {
	ctx := context.Background()
	old := create(t, s, "u1", "general")
	addMessage(t, s, old, session.RoleUser, "one")

	clk.Step(48 * time.Hour)
	fresh := create(t, s, "u1", "interview")
	clk.Step(10 * time.Minute)
	addMessage(t, s, fresh, session.RoleUser, "two")
	addMessage(t, s, fresh, session.RoleAssistant, "three")
	create(t, s, "u2", "general")

	st, err := s.Stats(ctx, session.StatsQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalSessions)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, 3, st.TotalMessages)
	assert.Equal(t, 1, st.PeakConcurrentUsers)
	assert.Equal(t, map[string]int{"general": 1, "interview": 1}, st.SessionTypes)
	assert.InDelta(t, 5.0, st.AverageDuration, 0.001)

	all, err := s.Stats(ctx, session.StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalSessions)
	assert.Equal(t, 2, all.ActiveSessions)
	assert.Equal(t, 2, all.PeakConcurrentUsers)

	narrow, err := s.Stats(ctx, session.StatsQuery{UserID: "u1", ActiveSince: clk.Now().Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 0, narrow.ActiveSessions)
}

func ids(list []*session.Session) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
