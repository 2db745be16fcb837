package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/apexion-ai/sessiond/internal/metrics"
	"github.com/apexion-ai/sessiond/internal/server"
)

func newServeCmd() *cobra.Command {
	var addr, metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session store over HTTP",
		Long: "Runs the REST store service over the configured local store so that several\n" +
			"sessiond processes can share sessions. Prometheus metrics are served on /metrics,\n" +
			"or on --metrics-addr when set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on a separate address")
	return cmd
}

func runServe(addr, metricsAddr string) error {
	cfg, err := initConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == "remote" {
		return fmt.Errorf("serve needs a local store; store.driver is %q", cfg.Store.Driver)
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	collector := metrics.NewCollector(logger, "")
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithAPIToken(cfg.Server.APIToken),
	}
	if metricsAddr == "" {
		opts = append(opts, server.WithMetrics(collector))
	}
	srv := server.New(store, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, addr)
	})
	if metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, metricsAddr, collector)
		})
	}

	logger.Info().
		Str("addr", addr).
		Str("driver", cfg.Store.Driver).
		Bool("auth", cfg.Server.APIToken != "").
		Msg("sessiond store service starting")
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", collector.Handler())
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	done := make(chan error, 1)
	go func() { done <- hs.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics listener: %w", err)
	}
}
