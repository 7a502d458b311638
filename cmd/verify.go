package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the store is stable, valid and backed up",
	Long: `Samples the store file to detect a concurrent writer, validates its
contents and lists the available backups. Nothing is modified. Exits with an
error when the store is unstable or invalid.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	path := st.Path()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Store: %s\n", path)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "Status: missing (an empty store will be created on first write)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat store: %w", err)
	}
	fmt.Fprintf(out, "Size: %s, modified %s\n", formatBytes(info.Size()), info.ModTime().Format(time.DateTime))

	stable, err := store.StabilityProbe(cmd.Context(), path, cfg.Store.ProbeSamples, cfg.Store.ProbeInterval)
	if err != nil {
		return fmt.Errorf("stability probe failed: %w", err)
	}
	if !stable {
		fmt.Fprintln(out, "Stability: CHANGING (another process is writing)")
		return &store.ConcurrentWriteError{Path: path}
	}
	fmt.Fprintln(out, "Stability: ok")

	records, verr := store.ValidateFile(path)
	if verr != nil {
		fmt.Fprintf(out, "Validation: FAILED (%v)\n", verr)
	} else {
		fmt.Fprintf(out, "Validation: ok (%d records)\n", len(records))
	}

	backups, err := store.ListBackups(path)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(backups) == 0 {
		fmt.Fprintln(out, "Backups: none")
	} else {
		newest := backups[0]
		for _, b := range backups[1:] {
			if b.Timestamp.After(newest.Timestamp) {
				newest = b
			}
		}
		fmt.Fprintf(out, "Backups: %d (newest %s)\n", len(backups), newest.Name)
	}

	if verr != nil {
		return fmt.Errorf("store is invalid: %w", verr)
	}
	return nil
}
