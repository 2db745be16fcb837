// Package config loads and manages sessiond configuration.
// Configuration source priority (highest to lowest):
// 1. Environment variables (SESSIOND_*, LLM_API_KEY, LLM_BASE_URL, LLM_MODEL, ANTHROPIC_API_KEY)
// 2. Config file path specified via --config flag
// 3. ~/.config/sessiond/config.yaml
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed providers_default.yaml
var defaultProvidersYAML []byte

// ProviderDefaults holds the default base URL and model for a provider.
type ProviderDefaults struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// LoadProviderDefaults parses the embedded defaults and merges any user
// overrides from ~/.config/sessiond/providers.yaml.
func LoadProviderDefaults() map[string]ProviderDefaults {
	defs := make(map[string]ProviderDefaults)
	_ = yaml.Unmarshal(defaultProvidersYAML, &defs)

	home, err := os.UserHomeDir()
	if err == nil {
		userPath := filepath.Join(home, ".config", "sessiond", "providers.yaml")
		if data, err := os.ReadFile(userPath); err == nil {
			userDefs := make(map[string]ProviderDefaults)
			if yaml.Unmarshal(data, &userDefs) == nil {
				for name, ud := range userDefs {
					d := defs[name]
					if ud.BaseURL != "" {
						d.BaseURL = ud.BaseURL
					}
					if ud.DefaultModel != "" {
						d.DefaultModel = ud.DefaultModel
					}
					defs[name] = d
				}
			}
		}
	}
	return defs
}

// ProviderConfig holds configuration for a single provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// SessionConfig holds the lifecycle settings. Durations are expressed in
// minutes (archive_after in days) to match the operator-facing defaults.
type SessionConfig struct {
	// ChatSessionTimeout: minutes of inactivity after which a session is idle.
	ChatSessionTimeout int `yaml:"chat_session_timeout"`

	// UserSessionTimeout: minutes; reserved for user-level login sessions.
	UserSessionTimeout int `yaml:"user_session_timeout"`

	// MaxConcurrentSessions caps active sessions per user.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// CleanupInterval: minutes between cleanup sweeps.
	CleanupInterval int `yaml:"cleanup_interval"`

	// ArchiveAfter: days of inactivity before analytics are purged and an
	// archive signal is emitted.
	ArchiveAfter int `yaml:"archive_after"`

	EnableAnalytics   bool `yaml:"enable_analytics"`
	TrackUserBehavior bool `yaml:"track_user_behavior"`

	// EnableCleanup toggles the background sweep entirely.
	EnableCleanup bool `yaml:"enable_cleanup"`
}

// ChatTimeout returns ChatSessionTimeout as a duration.
func (s SessionConfig) ChatTimeout() time.Duration {
	return time.Duration(s.ChatSessionTimeout) * time.Minute
}

// UserTimeout returns UserSessionTimeout as a duration.
func (s SessionConfig) UserTimeout() time.Duration {
	return time.Duration(s.UserSessionTimeout) * time.Minute
}

// Interval returns CleanupInterval as a duration.
func (s SessionConfig) Interval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Minute
}

// ArchiveAge returns ArchiveAfter as a duration.
func (s SessionConfig) ArchiveAge() time.Duration {
	return time.Duration(s.ArchiveAfter) * 24 * time.Hour
}

// RetryConfig holds the store client's retry policy.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         bool    `yaml:"jitter"`
}

// StoreConfig selects and configures the durable session store.
type StoreConfig struct {
	// Driver: "sqlite" (default) | "memory" | "remote"
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Empty = ~/.local/share/sessiond/sessions.db
	Path string `yaml:"path"`

	// URL is the base URL of a remote store service (driver "remote").
	URL string `yaml:"url"`

	// APIToken is sent as a bearer token to the remote store.
	APIToken string `yaml:"api_token"`

	// RequestTimeout: seconds per remote call.
	RequestTimeout int `yaml:"request_timeout"`

	Retry RetryConfig `yaml:"retry"`
}

// CacheConfig configures the local session cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the bbolt cache file. Empty uses the user cache directory;
	// ":memory:" keeps snapshots in process only.
	Path string `yaml:"path"`

	FreshnessHours       int `yaml:"freshness_hours"`
	ResumeFreshnessHours int `yaml:"resume_freshness_hours"`
}

// ServerConfig configures `sessiond serve`.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// APIToken, when set, is required as a bearer token on every store route.
	APIToken string `yaml:"api_token"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	// Level: "debug" | "info" | "warn" | "error"
	Level string `yaml:"level"`

	// Format: "console" | "json"
	Format string `yaml:"format"`
}

// Config is the complete configuration structure for sessiond.
type Config struct {
	// Provider is the active provider name (e.g. "deepseek", "anthropic", "openai")
	Provider string `yaml:"provider"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// Providers holds per-provider configuration.
	Providers map[string]*ProviderConfig `yaml:"providers"`

	// SystemPrompt is sent ahead of every chat turn (empty uses default).
	SystemPrompt string `yaml:"system_prompt"`

	Sessions SessionConfig `yaml:"sessions"`
	Store    StoreConfig   `yaml:"store"`
	Cache    CacheConfig   `yaml:"cache"`
	Server   ServerConfig  `yaml:"server"`
	Log      LogConfig     `yaml:"log"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:  "openai",
		Providers: make(map[string]*ProviderConfig),
		Sessions: SessionConfig{
			ChatSessionTimeout:    60,
			UserSessionTimeout:    480,
			MaxConcurrentSessions: 5,
			CleanupInterval:       30,
			ArchiveAfter:          30,
			EnableAnalytics:       true,
			TrackUserBehavior:     true,
			EnableCleanup:         true,
		},
		Store: StoreConfig{
			Driver:         "sqlite",
			RequestTimeout: 10,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialDelayMS: 200,
				MaxDelayMS:     5000,
				Multiplier:     2.0,
				Jitter:         true,
			},
		},
		Cache: CacheConfig{
			Enabled:              true,
			FreshnessHours:       24,
			ResumeFreshnessHours: 7 * 24,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8420",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns ~/.config/sessiond/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "sessiond", "config.yaml"), nil
}

// Load reads the config file and merges environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		if p, err := DefaultPath(); err == nil {
			configPath = p
		}
	}

	// Read config file (use defaults if not found)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]*ProviderConfig)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the lifecycle manager cannot run with.
func (c *Config) Validate() error {
	s := c.Sessions
	if s.ChatSessionTimeout <= 0 {
		return fmt.Errorf("sessions.chat_session_timeout must be positive, got %d", s.ChatSessionTimeout)
	}
	if s.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("sessions.max_concurrent_sessions must be positive, got %d", s.MaxConcurrentSessions)
	}
	if s.CleanupInterval < 0 {
		return fmt.Errorf("sessions.cleanup_interval must not be negative, got %d", s.CleanupInterval)
	}
	if s.ArchiveAfter < 0 {
		return fmt.Errorf("sessions.archive_after must not be negative, got %d", s.ArchiveAfter)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "remote":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the remote driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q (want sqlite, memory or remote)", c.Store.Driver)
	}
	if c.Store.Retry.MaxAttempts < 0 {
		return fmt.Errorf("store.retry.max_attempts must not be negative, got %d", c.Store.Retry.MaxAttempts)
	}
	return nil
}

// StorePath returns the SQLite path, falling back to the user data dir.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "sessiond", "sessions.db"), nil
}

// GetProviderConfig returns the config for the named provider, or an empty config if not found.
func (c *Config) GetProviderConfig(name string) *ProviderConfig {
	if pc, ok := c.Providers[name]; ok {
		return pc
	}
	return &ProviderConfig{}
}

var (
	// KnownProviderBaseURLs maps well-known provider names to their base URLs.
	KnownProviderBaseURLs map[string]string

	// KnownProviderModels maps well-known provider names to their default models.
	KnownProviderModels map[string]string
)

func init() {
	defs := LoadProviderDefaults()
	KnownProviderBaseURLs = make(map[string]string, len(defs))
	KnownProviderModels = make(map[string]string, len(defs))
	for name, d := range defs {
		if d.BaseURL != "" {
			KnownProviderBaseURLs[name] = d.BaseURL
		}
		if d.DefaultModel != "" {
			KnownProviderModels[name] = d.DefaultModel
		}
	}
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	// Provider selection first so LLM_API_KEY lands on the right entry.
	if v := os.Getenv("SESSIOND_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("SESSIOND_MODEL"); v != "" {
		cfg.Model = v
	}

	if v := os.Getenv("LLM_API_KEY"); v != "" {
		provider := cfg.Provider
		if cfg.Providers[provider] == nil {
			cfg.Providers[provider] = &ProviderConfig{}
		}
		cfg.Providers[provider].APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		provider := cfg.Provider
		if cfg.Providers[provider] == nil {
			cfg.Providers[provider] = &ProviderConfig{}
		}
		cfg.Providers[provider].BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.Model = v
	}

	// Anthropic-specific
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		if cfg.Providers["anthropic"] == nil {
			cfg.Providers["anthropic"] = &ProviderConfig{}
		}
		cfg.Providers["anthropic"].APIKey = v
	}

	// Store
	if v := os.Getenv("SESSIOND_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SESSIOND_STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("SESSIOND_STORE_TOKEN"); v != "" {
		cfg.Store.APIToken = v
	}

	if v := os.Getenv("SESSIOND_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
