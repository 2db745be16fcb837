package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/apexion-ai/sessiond/internal/cache"
	"github.com/apexion-ai/sessiond/internal/config"
	"github.com/apexion-ai/sessiond/internal/logging"
	"github.com/apexion-ai/sessiond/internal/manager"
	"github.com/apexion-ai/sessiond/internal/metrics"
	"github.com/apexion-ai/sessiond/internal/provider"
	"github.com/apexion-ai/sessiond/internal/retry"
	"github.com/apexion-ai/sessiond/internal/session"
	"github.com/apexion-ai/sessiond/internal/storeclient"
)

var (
	cfgFile      string
	modelFlag    string
	providerFlag string
	logLevelFlag string
	userFlag     string

	// Package-level version info, set by Execute().
	appVersion string
	appCommit  string
	appDate    string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date

	rootCmd := &cobra.Command{
		Use:   "sessiond",
		Short: "Conversational session lifecycle manager",
		Long: "sessiond tracks multi-turn chat sessions: it enforces per-user concurrency limits,\n" +
			"records messages with token usage, and serves a shared session store over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.config/sessiond/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "override model")
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "", "override provider")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", defaultUser(), "user id sessions belong to")

	// Subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultUser() string {
	if u := os.Getenv("SESSIOND_USER"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

// initConfig loads configuration, applying CLI flag overrides.
func initConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// CLI flags override config values
	if providerFlag != "" {
		cfg.Provider = providerFlag
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) (zerolog.Logger, error) {
	logger, err := logging.New(cfg.Log, w)
	if err != nil {
		return logger, err
	}
	return logger.With().Str("app", "sessiond").Logger(), nil
}

func requireUser() (string, error) {
	if userFlag == "" {
		return "", fmt.Errorf("no user id: pass --user or set SESSIOND_USER")
	}
	return userFlag, nil
}

// openStore opens the configured durable store.
func openStore(cfg *config.Config, logger zerolog.Logger) (session.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return session.NewMemoryStore(), nil
	case "remote":
		rc := cfg.Store.Retry
		strategy := retry.New(retry.Policy{
			MaxAttempts:  rc.MaxAttempts,
			InitialDelay: time.Duration(rc.InitialDelayMS) * time.Millisecond,
			MaxDelay:     time.Duration(rc.MaxDelayMS) * time.Millisecond,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
			Retryable:    storeclient.Retryable,
		}, logger)
		return storeclient.New(cfg.Store.URL,
			storeclient.WithRetry(strategy),
			storeclient.WithTokenSource(storeclient.StaticToken(cfg.Store.APIToken)),
			storeclient.WithTimeout(time.Duration(cfg.Store.RequestTimeout)*time.Second),
			storeclient.WithLogger(logger),
		)
	default:
		path, err := cfg.StorePath()
		if err != nil {
			return nil, err
		}
		return session.NewSQLiteStore(path)
	}
}

// openCache opens the local snapshot cache, or returns nil when disabled.
func openCache(cfg *config.Config, logger zerolog.Logger) (cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	path := cfg.Cache.Path
	if path == ":memory:" {
		return cache.NewMemoryCache(nil), nil
	}
	if path == "" {
		p, err := cache.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return cache.NewBoltCache(path, nil, logger)
}

// app bundles what the chat and sessions commands share.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   session.Store
	cache   cache.Cache
	manager *manager.Manager
}

func newApp(logOut io.Writer, collector *metrics.Collector) (*app, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, logOut)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	a.cache, err = openCache(cfg, logger)
	if err != nil {
		// The cache only saves round trips; run without it.
		logger.Warn().Err(err).Msg("Session cache unavailable")
		a.cache = nil
	}

	opts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithMetrics(collector),
	}
	if a.cache != nil {
		opts = append(opts, manager.WithCache(a.cache))
	}
	a.manager, err = manager.New(manager.ConfigFrom(cfg), store, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	_ = a.store.Close()
}

// providerBaseURLs references the canonical map in the config package.
var providerBaseURLs = config.KnownProviderBaseURLs

// buildProvider creates a Provider instance based on configuration.
func buildProvider(cfg *config.Config) (provider.Provider, error) {
	name := cfg.Provider
	pc := cfg.GetProviderConfig(name)

	apiKey := pc.APIKey
	if apiKey == "" && name != "ollama" {
		return nil, fmt.Errorf(
			"API key not configured for provider %q.\n"+
				"Set it via:\n"+
				"  - config file: providers.%s.api_key\n"+
				"  - environment: LLM_API_KEY\n"+
				"  - run: sessiond init",
			name, name,
		)
	}

	// Determine model: CLI flag > config file > provider defaults YAML
	model := cfg.Model
	if pc.Model != "" && model == "" {
		model = pc.Model
	}
	if model == "" {
		if m, ok := config.KnownProviderModels[name]; ok {
			model = m
		}
	}

	switch name {
	case "anthropic":
		return provider.NewAnthropicProvider(apiKey, pc.BaseURL, model), nil
	default:
		// All other providers use OpenAI-compatible API
		baseURL := pc.BaseURL
		if baseURL == "" {
			if u, ok := providerBaseURLs[name]; ok {
				baseURL = u
			} else if name != "openai" {
				return nil, fmt.Errorf("unknown provider %q; set providers.%s.base_url in config", name, name)
			}
		}
		return provider.NewOpenAIProvider(apiKey, baseURL, model), nil
	}
}
