package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/task"
	"github.com/spf13/cobra"
)

var (
	serverURL     string
	statusJournal bool
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Query the server for task status",
	Long: `Queries a running tidyscan server for task information.
If no task-id is provided, lists all tasks and the aggregate statistics.
If task-id is provided, shows detailed status for that task; with --journal,
also lists the outcome of every file the task has processed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	statusCmd.Flags().BoolVar(&statusJournal, "journal", false, "Show the per-file journal of the task")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := strings.TrimRight(serverURL, "/")
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		var tasks []task.Task
		if err := getJSON(base+"/api/v1/tasks", &tasks); err != nil {
			return err
		}
		printTaskList(out, tasks)
		return nil
	}

	var details struct {
		task.Task
		Elapsed float64 `json:"elapsed"`
	}
	if err := getJSON(base+"/api/v1/tasks/"+args[0], &details); err != nil {
		return err
	}
	printTaskDetails(out, details.Task, time.Duration(details.Elapsed*float64(time.Second)))

	if statusJournal {
		var entries []store.JournalEntry
		if err := getJSON(base+"/api/v1/tasks/"+args[0]+"/journal", &entries); err != nil {
			return err
		}
		printJournal(out, entries)
	}
	return nil
}

func getJSON(url string, v any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, http.StatusOK, v)
}

func decodeResponse(resp *http.Response, want int, v any) error {
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printTaskList(w io.Writer, tasks []task.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks found")
		return
	}

	fmt.Fprintf(w, "Found %d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(w, "Task ID: %s\n", t.ID)
		fmt.Fprintf(w, "  Folder: %s\n", t.Root)
		fmt.Fprintf(w, "  State: %s\n", t.State)
		fmt.Fprintf(w, "  Progress: %d/%d (%.1f%%)\n", t.Processed, t.Total, t.Progress)
		fmt.Fprintln(w)
	}
}

func printTaskDetails(w io.Writer, t task.Task, elapsed time.Duration) {
	fmt.Fprintf(w, "Task: %s\n", t.ID)
	fmt.Fprintf(w, "State: %s\n", t.State)
	fmt.Fprintf(w, "Folder: %s\n", t.Root)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Options:")
	fmt.Fprintf(w, "  Summary length: %d\n", t.Options.SummaryLength)
	if t.Options.Model != "" {
		fmt.Fprintf(w, "  Model: %s\n", t.Options.Model)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Files: %d/%d (%.1f%%)\n", t.Processed, t.Total, t.Progress)
	fmt.Fprintf(w, "  New: %d, moved: %d, skipped: %d, failed: %d\n", t.Successful, t.PathUpdated, t.Skipped, t.Failed)
	if t.CurrentFile != "" {
		fmt.Fprintf(w, "  Current: %s\n", t.CurrentFile)
	}
	if elapsed > 0 {
		fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	}
	if t.Runs > 1 {
		fmt.Fprintf(w, "  Runs: %d\n", t.Runs)
	}

	if t.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", t.Error)
	}
}

func printJournal(w io.Writer, entries []store.JournalEntry) {
	fmt.Fprintf(w, "\nJournal (%d file(s)):\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  %s  %-16s %s", e.Timestamp.Format(time.TimeOnly), e.Status, e.FilePath)
		if e.Error != "" {
			fmt.Fprintf(w, ": %s", e.Error)
		}
		fmt.Fprintln(w)
	}
}
