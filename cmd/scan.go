package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwbudde/tidyscan/internal/task"
	"github.com/spf13/cobra"
)

var (
	scanSummaryLength int
	scanModel         string
)

var scanCmd = &cobra.Command{
	Use:   "scan <folder>...",
	Short: "Summarize the files of one or more folders",
	Long: `Runs one task per folder. Files already recorded under the same path are
skipped, moved files have their path updated, and only new files are sent to
the summarization service. Interrupting the command stops each task after the
file it is working on has been recorded.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanSummaryLength, "summary-length", 0, "Requested summary length (default from config)")
	scanCmd.Flags().StringVar(&scanModel, "model", "", "Summarizer model (default from config)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	opts := task.Options{
		SummaryLength: cfg.Scan.SummaryLength,
		Model:         cfg.Summarizer.Model,
	}
	if scanSummaryLength > 0 {
		opts.SummaryLength = scanSummaryLength
	}
	if scanModel != "" {
		opts.Model = scanModel
	}

	sched := task.NewScheduler(st, newSummarizer(), cfg.SchedulerConfig())

	var ids []string
	for _, folder := range args {
		t, err := sched.CreateTask(folder, opts)
		if err != nil {
			return fmt.Errorf("failed to create task for %s: %w", folder, err)
		}
		ids = append(ids, t.ID)
	}
	for _, id := range ids {
		if err := sched.Start(id); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		slog.Info("Interrupted, stopping tasks after the current file")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		sched.Shutdown(shutdownCtx)
	}()

	out := cmd.OutOrStdout()
	failed := 0
	for _, id := range ids {
		t, err := sched.Wait(context.Background(), id)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s: %s (%d files: %d new, %d moved, %d skipped, %d failed) in %s\n",
			t.Root, t.State, t.Total, t.Successful, t.PathUpdated, t.Skipped, t.Failed,
			t.Duration().Round(time.Millisecond))
		if t.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", t.Error)
		}
		if t.State == task.StateFailed {
			failed++
		}
	}

	stats := sched.Stats()
	fmt.Fprintf(out, "Success rate: %.1f%%\n", stats.SuccessRate)

	if failed > 0 {
		return fmt.Errorf("%d of %d task(s) failed", failed, len(ids))
	}
	return nil
}
