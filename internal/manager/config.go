package manager

import (
	"fmt"
	"time"

	"github.com/apexion-ai/sessiond/internal/cache"
	"github.com/apexion-ai/sessiond/internal/config"
)

// DefaultListLimit is the page size used when ListOptions.Limit is zero.
const DefaultListLimit = 20

// Config holds the manager's runtime settings.
type Config struct {
	ChatSessionTimeout time.Duration
	// UserSessionTimeout is carried for login-level sessions; the manager
	// does not act on it.
	UserSessionTimeout    time.Duration
	MaxConcurrentSessions int
	CleanupInterval       time.Duration
	ArchiveAfter          time.Duration
	EnableAnalytics       bool
	TrackUserBehavior     bool
	EnableCleanup         bool

	// CacheFreshness bounds snapshot reads on the regular path.
	CacheFreshness time.Duration
	// ResumeFreshness bounds snapshot reads in ResumeSession.
	ResumeFreshness time.Duration
}

// DefaultConfig mirrors config.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		ChatSessionTimeout:    60 * time.Minute,
		UserSessionTimeout:    480 * time.Minute,
		MaxConcurrentSessions: 5,
		CleanupInterval:       30 * time.Minute,
		ArchiveAfter:          30 * 24 * time.Hour,
		EnableAnalytics:       true,
		TrackUserBehavior:     true,
		EnableCleanup:         true,
		CacheFreshness:        cache.DefaultFreshness,
		ResumeFreshness:       cache.ResumeFreshness,
	}
}

// ConfigFrom converts file configuration into manager settings.
func ConfigFrom(c *config.Config) Config {
	s := c.Sessions
	cfg := Config{
		ChatSessionTimeout:    s.ChatTimeout(),
		UserSessionTimeout:    s.UserTimeout(),
		MaxConcurrentSessions: s.MaxConcurrentSessions,
		CleanupInterval:       s.Interval(),
		ArchiveAfter:          s.ArchiveAge(),
		EnableAnalytics:       s.EnableAnalytics,
		TrackUserBehavior:     s.TrackUserBehavior,
		EnableCleanup:         s.EnableCleanup,
		CacheFreshness:        time.Duration(c.Cache.FreshnessHours) * time.Hour,
		ResumeFreshness:       time.Duration(c.Cache.ResumeFreshnessHours) * time.Hour,
	}
	if cfg.CacheFreshness <= 0 {
		cfg.CacheFreshness = cache.DefaultFreshness
	}
	if cfg.ResumeFreshness <= 0 {
		cfg.ResumeFreshness = cache.ResumeFreshness
	}
	return cfg
}

func (c Config) validate() error {
	if c.ChatSessionTimeout <= 0 {
		return fmt.Errorf("chat session timeout must be positive, got %v", c.ChatSessionTimeout)
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max concurrent sessions must be positive, got %d", c.MaxConcurrentSessions)
	}
	if c.CleanupInterval < 0 || c.ArchiveAfter < 0 {
		return fmt.Errorf("cleanup interval and archive age must not be negative")
	}
	return nil
}
