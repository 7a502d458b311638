package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cwbudde/tidyscan/internal/task"
	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart <task-id>",
	Short: "Restart a stopped or failed task on the server",
	Long: `Asks a running tidyscan server to restart a task. Counters are reset and
the folder is walked again; files recorded by the earlier run are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func init() {
	restartCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/tasks/%s/restart", strings.TrimRight(serverURL, "/"), args[0])

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	var t task.Task
	if err := decodeResponse(resp, http.StatusAccepted, &t); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s (run %d)\n", t.ID, t.State, t.Runs)
	return nil
}
