package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/marketpulse/internal/log"
	"github.com/zjrosen/marketpulse/internal/orchestration/api"
	"github.com/zjrosen/marketpulse/internal/orchestration/gateway"
	"github.com/zjrosen/marketpulse/internal/orchestration/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and job coordinator",
	Long: `Run the HTTP API. Jobs submitted with POST /jobs run the configured
worker; observers follow progress on GET /jobs/{id}/events.

Jobs left pending or processing by a previous process are marked failed
(Interrupted) on startup.

Example:
  marketpulse serve                  # Listen on server.addr
  marketpulse serve --addr :9090     # Override the listen address`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("creating tracer: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	cls, stopWatch, err := newClassifier(cfg.Classifier)
	if err != nil {
		return err
	}
	defer func() { _ = stopWatch() }()

	coord, err := newCoordinator(cfg, st, cls, provider.Tracer())
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	recovered, err := coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if recovered > 0 {
		log.Warn(log.CatOrch, "Marked interrupted jobs as failed", "count", recovered)
	}

	handler := api.NewHandler(api.HandlerConfig{
		Coordinator:   coord,
		Gateway:       gateway.New(coord.Registry(), st.events, st.jobs),
		Results:       st.results,
		ResultTTL:     cfg.Cache.ResultTTL,
		ResultCleanup: cfg.Cache.CleanupInterval,
		SubmitRate:    cfg.Server.SubmitRate,
		SubmitBurst:   cfg.Server.SubmitBurst,
		Heartbeat:     cfg.Server.HeartbeatInterval,
	})
	server, err := api.NewServer(api.ServerConfig{Addr: cfg.Server.Addr, Handler: handler})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coord.Registry().Run(gctx)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info(log.CatOrch, "Shutting down", "timeout", cfg.Server.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping API server: %w", err))
		}
		if err := coord.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping coordinator: %w", err))
		}
		return errors.Join(errs...)
	})

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "marketpulse listening on %s (storage: %s)\n", server.Addr(), cfg.Storage.Driver)
	if err := g.Wait(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "marketpulse stopped")
	return nil
}
