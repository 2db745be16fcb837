package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/apexion-ai/sessiond/internal/cache"
	"github.com/apexion-ai/sessiond/internal/manager"
	"github.com/apexion-ai/sessiond/internal/session"
)

func TestWriteSummary_FromResumedSession(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	m, err := manager.New(manager.DefaultConfig(),
		session.NewMemoryStore(session.WithClock(clk)),
		manager.WithClock(clk),
		manager.WithCache(cache.NewMemoryCache(clk)),
	)
	require.NoError(t, err)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "u1", "interview", manager.CreateOptions{})
	require.NoError(t, err)
	_, err = m.AddMessage(ctx, sess.ID, session.RoleUser, "hi", manager.MessageOptions{UserID: "u1"})
	require.NoError(t, err)

	snap, err := m.ResumeSession(ctx, sess.ID, "u1")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, snap))
	out := buf.String()
	assert.Contains(t, out, sess.ID)
	assert.Contains(t, out, "Interview Chat")
	assert.Regexp(t, `messages\s+1\n`, out)
	assert.Equal(t, 6, strings.Count(out, "\n"))
}
