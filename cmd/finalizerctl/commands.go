package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/auction-finalizer/internal/app"
	"github.com/auction-finalizer/internal/job"
	"github.com/auction-finalizer/internal/models"
	"github.com/auction-finalizer/internal/storage"
)

// NewScanCommand runs one scan cycle and prints the result.
func NewScanCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a single scan and enqueue due auctions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			result, err := a.Scanner.ScanAndEnqueue(ctx)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), result)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scanned %d candidates in %s: %d due, %d enqueued, %d skipped\n",
				result.Candidates, result.Duration.Round(time.Millisecond), result.Due, result.Enqueued, result.Skipped)
			reasons := make([]string, 0, len(result.SkippedBy))
			for reason := range result.SkippedBy {
				reasons = append(reasons, reason)
			}
			sort.Strings(reasons)
			for _, reason := range reasons {
				fmt.Fprintf(out, "  %-16s %d\n", reason, result.SkippedBy[reason])
			}
			return nil
		},
	}
}

// NewFailedCommand lists terminal jobs.
func NewFailedCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List jobs that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			jobs, err := a.Queue.ListFailed(commandContext(cmd), job.ClampLimit(limit))
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				if jobs == nil {
					jobs = []*models.JobRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failed jobs")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tAUCTION\tATTEMPTS\tFAILED AT\tLAST ERROR")
			for _, rec := range jobs {
				failedAt := "-"
				if rec.FailedAt != nil {
					failedAt = rec.FailedAt.UTC().Format(time.RFC3339)
				}
				lastErr := ""
				if rec.LastError != nil {
					lastErr = *rec.LastError
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", rec.ID, rec.AuctionID, rec.Attempt, failedAt, lastErr)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", job.DefaultListLimit, "maximum number of jobs to list")
	return cmd
}

// NewRetryCommand moves a terminal job back to pending.
func NewRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed job with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			if _, _, err := job.ParseKey(jobID); err != nil {
				return err
			}

			a, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			err = a.Queue.Requeue(commandContext(cmd), jobID)
			switch {
			case errors.Is(err, job.ErrJobNotFound):
				return fmt.Errorf("job %s not found", jobID)
			case errors.Is(err, job.ErrNotFailed):
				return fmt.Errorf("job %s is not in the failed state", jobID)
			case errors.Is(err, job.ErrAuctionHasLiveJob):
				return fmt.Errorf("job %s: auction already has a pending or leased job", jobID)
			case err != nil:
				return err
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"jobId": jobID, "status": "pending"})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", jobID)
			return nil
		},
	}
}

// NewStatsCommand prints queue counts.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pending, leased and failed job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeApp(cmd, a)

			stats, err := a.Queue.Stats(commandContext(cmd))
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), struct {
					*models.QueueStats
					Depth int64 `json:"depth"`
				}{stats, stats.Depth()})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pending=%d leased=%d failed=%d depth=%d\n",
				stats.Pending, stats.Leased, stats.Failed, stats.Depth())
			return nil
		},
	}
}

// NewHistoryCommand prints recorded attempts for one auction from ClickHouse.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <auction-id>",
		Short: "Show recorded finalization attempts for an auction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auctionID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid auction id %q", args[0])
			}
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Database.ClickHouse.Enabled {
				return errors.New("attempt history requires CLICKHOUSE_ENABLED=true")
			}

			ctx := commandContext(cmd)
			db, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			records, err := storage.NewAttemptHistoryRepository(db).ListByAuction(ctx, auctionID, job.ClampLimit(limit))
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				if records == nil {
					records = []*models.AttemptRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tJOB ID\tATTEMPT\tWORKER\tOUTCOME\tTX\tERROR")
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					rec.StartedAt.UTC().Format(time.RFC3339), rec.JobID, rec.Attempt,
					rec.WorkerID, rec.Outcome, rec.TxHash, rec.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", job.DefaultListLimit, "maximum number of attempts to show")
	return cmd
}
