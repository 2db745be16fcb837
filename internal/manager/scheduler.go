package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/apexion-ai/sessiond/internal/analytics"
)

// Archiver receives the signal that a session has been idle past the
// archive threshold. Durable archival is the receiver's concern.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, lastActivity time.Time) error
}

// LogArchiver logs each signal for an external archival job to pick up.
type LogArchiver struct {
	Logger zerolog.Logger
}

func (a LogArchiver) Archive(_ context.Context, sessionID string, lastActivity time.Time) error {
	a.Logger.Info().
		Str("session_id", sessionID).
		Time("last_activity", lastActivity).
		Msg("Session eligible for archival")
	return nil
}

// SweepResult describes one cleanup pass.
type SweepResult struct {
	At        time.Time
	Threshold time.Time
	Archived  []analytics.Purged
	Took      time.Duration
}

// Start launches the background cleanup sweep. It is a no-op when cleanup
// is disabled or the sweep is already running.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh != nil {
		return
	}
	cfg := m.Config()
	if !cfg.EnableCleanup || cfg.CleanupInterval <= 0 {
		m.logger.Info().Msg("Session cleanup disabled")
		return
	}

	ticker := m.clock.NewTicker(cfg.CleanupInterval)
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.cleanupLoop(ticker, m.stopCh, m.doneCh)

	m.logger.Info().
		Dur("interval", cfg.CleanupInterval).
		Dur("archive_after", cfg.ArchiveAfter).
		Msg("Session cleanup started")
}

// Stop ends the background sweep and waits for an in-flight pass to
// finish. Calling Stop more than once is safe.
func (m *Manager) Stop() {
	m.runMu.Lock()
	stop, done := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.runMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.logger.Info().Msg("Session cleanup stopped")
}

func (m *Manager) cleanupLoop(ticker clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C():
			m.Sweep(ctx)
		case <-stop:
			return
		}
	}
}

// Sweep purges analytics for every session whose latest event is older
// than ArchiveAfter and signals each one to the archiver.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	start := m.clock.Now()
	res := SweepResult{
		At:        start,
		Threshold: start.Add(-m.Config().ArchiveAfter),
	}

	func() {
		defer m.isolate("")
		res.Archived = m.recorder.PurgeOlderThan(res.Threshold)
	}()

	for _, p := range res.Archived {
		if err := m.archiver.Archive(ctx, p.SessionID, p.LastEventAt); err != nil {
			m.logger.Warn().Err(err).Str("session_id", p.SessionID).Msg("Archive signal failed")
		}
	}

	res.Took = m.clock.Since(start)
	m.metrics.CleanupCompleted(start, res.Took, len(res.Archived))
	m.metrics.TrackedSessions(m.recorder.Len())
	m.logger.Debug().
		Time("threshold", res.Threshold).
		Int("archived", len(res.Archived)).
		Msg("Session cleanup sweep finished")
	return res
}
