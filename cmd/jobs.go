package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/marketpulse/internal/jobs/domain"
	"github.com/zjrosen/marketpulse/internal/presentation"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs from the configured store",
	Long: `List jobs recorded in the configured durable store, newest first.

Example:
  marketpulse jobs
  marketpulse jobs --status failed,processing --limit 20
  marketpulse jobs --json`,
	Args: cobra.NoArgs,
	RunE: runJobs,
}

var (
	jobsStatus string
	jobsLimit  int
	jobsJSON   bool
)

func init() {
	rootCmd.AddCommand(jobsCmd)

	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Comma-separated statuses to include")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum jobs to list (0 for all)")
	jobsCmd.Flags().BoolVar(&jobsJSON, "json", false, "Print as JSON")
}

func runJobs(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	filter, err := parseListFilter(jobsStatus, jobsLimit)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	jobs, err := st.jobs.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	out := presentation.NewFormatter(cmd.OutOrStdout())
	dtos := presentation.FromDomainJobs(jobs)
	if jobsJSON {
		return out.FormatJSON(dtos)
	}
	return out.FormatJobs(dtos)
}

func parseListFilter(statuses string, limit int) (domain.ListFilter, error) {
	if limit < 0 {
		return domain.ListFilter{}, fmt.Errorf("--limit must not be negative")
	}
	filter := domain.ListFilter{Limit: limit}
	for _, raw := range strings.Split(statuses, ",") {
		s := domain.Status(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		if !s.IsValid() {
			return domain.ListFilter{}, fmt.Errorf("unknown status %q (want pending, processing, completed, or failed)", s)
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	return filter, nil
}
