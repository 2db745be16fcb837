package session_test

import (
	"context"
	"path/filepath"
	"testing"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/apexion-ai/sessiond/internal/session"
	"github.com/apexion-ai/sessiond/internal/session/sessiontest"
)

func newTestStore(t *testing.T, clk *testingclock.FakeClock) *session.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := session.NewSQLiteStore(dbPath, session.WithClock(clk))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store
}

func TestSQLiteStore(t *testing.T) {
	sessiontest.RunStoreTests(t, func(t *testing.T, clk *testingclock.FakeClock) session.Store {
		return newTestStore(t, clk)
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "sessions.db")
	clk := testingclock.NewFakeClock(sessiontest.Epoch)

	store, err := session.NewSQLiteStore(dbPath, session.WithClock(clk))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, session.CreateParams{UserID: "u1", Type: "general", Title: "persisted"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.AddMessage(ctx, session.MessageParams{
		SessionID: sess.ID, UserID: "u1", Role: session.RoleUser, Content: "hello",
	}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	store.Close()

	reopened, err := session.NewSQLiteStore(dbPath, session.WithClock(clk))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != "persisted" {
		t.Errorf("Title = %q, want %q", got.Title, "persisted")
	}
	if got.MessageCount != 1 || len(got.Messages) != 1 {
		t.Errorf("MessageCount = %d, len(Messages) = %d, want 1/1", got.MessageCount, len(got.Messages))
	}
}

func TestSQLiteStore_CanceledContext(t *testing.T) {
	store := newTestStore(t, testingclock.NewFakeClock(sessiontest.Epoch))
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.CreateSession(ctx, session.CreateParams{UserID: "u1", Type: "general"})
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
}
