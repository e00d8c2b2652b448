package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/orchestration/coordinator"
	"github.com/zjrosen/marketpulse/internal/orchestration/gateway"
	"github.com/zjrosen/marketpulse/internal/orchestration/tracing"
	"github.com/zjrosen/marketpulse/internal/presentation"
)

var runCmd = &cobra.Command{
	Use:   "run SUBJECT START END",
	Short: "Run one analysis job in-process and print its progress",
	Long: `Run one job without the HTTP server. Events are printed as they arrive,
followed by the stored result. Storage is in-memory.

Exits non-zero when the job fails.

Example:
  marketpulse run ACME 2024-01-01 2024-01-31
  marketpulse run ACME 2024-01-01 2024-01-31 --json --timeout 2m`,
	Args: cobra.ExactArgs(3),
	RunE: runOnce,
}

var (
	runJSON    bool
	runTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print events as JSON lines")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Worker timeout (overrides worker.timeout)")
}

func runOnce(cmd *cobra.Command, args []string) error {
	if runTimeout > 0 {
		cfg.Worker.Timeout = runTimeout
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := context.Background()

	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("creating tracer: %w", err)
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	cls, stopWatch, err := newClassifier(cfg.Classifier)
	if err != nil {
		return err
	}
	defer func() { _ = stopWatch() }()

	st := memoryStores()
	coord, err := newCoordinator(cfg, st, cls, provider.Tracer())
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}
	defer func() { _ = coord.Shutdown(ctx) }()

	// Join first so no event is missed.
	jobID := uuid.NewString()
	session, err := gateway.New(coord.Registry(), st.events, st.jobs).Join(ctx, jobID, "cli")
	if err != nil {
		return err
	}
	defer session.Leave()

	if _, _, err := coord.Submit(ctx, coordinator.SubmitRequest{
		JobID:       jobID,
		Subject:     args[0],
		PeriodStart: args[1],
		PeriodEnd:   args[2],
	}); err != nil {
		return err
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigCtx.Done():
			_ = coord.Shutdown(ctx)
		case <-finished:
		}
	}()

	out := presentation.NewFormatter(cmd.OutOrStdout())
	emit := func(ev domain.ProgressEvent) error {
		if runJSON {
			return out.FormatJSON(ev)
		}
		return out.FormatEvent(ev)
	}

	var last domain.ProgressEvent
	for _, ev := range session.History {
		if err := emit(ev); err != nil {
			return err
		}
		last = ev
	}
	for !last.IsTerminal() {
		ev, err := session.Next(ctx)
		if err != nil {
			return err
		}
		if err := emit(ev); err != nil {
			return err
		}
		last = ev
	}

	if last.Status != domain.StageSuccess {
		view, err := coord.Get(ctx, jobID)
		if err != nil {
			return fmt.Errorf("job failed: %s", last.Message)
		}
		return fmt.Errorf("job failed: %s: %s", view.Job.FailureReason(), view.Job.Error())
	}

	result, err := st.results.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reading result: %w", err)
	}
	return out.FormatJSON(result)
}
