package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/spf13/cobra"
)

var (
	pruneKeepLast int
	pruneMaxAge   time.Duration
	forcePrune    bool
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Manage store backups",
	Long: `Manage the timestamped backups written next to the store before every
save. Backups can be listed, pruned by retention policy, or restored.`,
}

var listBackupsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all backups of the store",
	Args:  cobra.NoArgs,
	RunE:  runListBackups,
}

var pruneBackupsCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete backups outside the retention policy",
	Long: `Delete old backups. The policy comes from the backups section of the
config unless --keep-last or --max-age is given. The newest backup is never
removed by age alone.`,
	Args: cobra.NoArgs,
	RunE: runPruneBackups,
}

var restoreBackupCmd = &cobra.Command{
	Use:   "restore <backup-name>",
	Short: "Replace the store with a backup",
	Long: `Validates the named backup and copies it over the store. The current
store is backed up first when it is valid.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestoreBackup,
}

func init() {
	rootCmd.AddCommand(backupsCmd)

	backupsCmd.AddCommand(listBackupsCmd)
	backupsCmd.AddCommand(pruneBackupsCmd)
	backupsCmd.AddCommand(restoreBackupCmd)

	pruneBackupsCmd.Flags().IntVar(&pruneKeepLast, "keep-last", 0, "Keep only the newest N backups (0 = from config)")
	pruneBackupsCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "Delete backups older than this, e.g. 168h (0 = from config)")
	pruneBackupsCmd.Flags().BoolVarP(&forcePrune, "force", "f", false, "Skip confirmation prompt")
}

func runListBackups(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	infos, err := store.ListBackups(st.Path())
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No backups found.")
		return nil
	}

	printBackups(out, infos)
	return nil
}

// printBackups writes infos as a table
func printBackups(out io.Writer, infos []store.BackupInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTIMESTAMP\tSIZE")
	fmt.Fprintln(w, "----\t---------\t----")

	var total int64
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			info.Name,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			formatBytes(info.Size),
		)
		total += info.Size
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal backups: %d (%s)\n", len(infos), formatBytes(total))
}

// prunePolicy merges the command-line overrides into the configured policy
func prunePolicy(configured store.RetentionPolicy, keepLast int, maxAge time.Duration) store.RetentionPolicy {
	if keepLast == 0 && maxAge == 0 {
		return configured
	}
	return store.RetentionPolicy{KeepLast: keepLast, MaxAge: maxAge}
}

func runPruneBackups(cmd *cobra.Command, args []string) error {
	if pruneKeepLast < 0 || pruneMaxAge < 0 {
		return fmt.Errorf("--keep-last and --max-age cannot be negative")
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	policy := prunePolicy(st.Retention(), pruneKeepLast, pruneMaxAge)
	if !policy.Enabled() {
		return fmt.Errorf("no retention policy configured; pass --keep-last or --max-age")
	}

	infos, err := store.ListBackups(st.Path())
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	out := cmd.OutOrStdout()
	toDelete := store.SelectBackupsForDeletion(infos, policy, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No backups match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d backup(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s)\n", info.Name, formatBytes(info.Size))
	}

	if !forcePrune && !confirm(cmd.InOrStdin(), out, "\nProceed with deletion?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	removed, err := store.PruneBackups(st.Path(), policy, time.Now())
	if err != nil {
		return fmt.Errorf("failed to prune backups: %w", err)
	}

	fmt.Fprintf(out, "\nDeleted %d backup(s), %d failed.\n", len(removed), len(toDelete)-len(removed))
	return nil
}

func runRestoreBackup(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	n, err := st.RestoreBackup(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to restore %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Restored %d record(s) from %s\n", n, args[0])
	return nil
}

// confirm asks a yes/no question, defaulting to no
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
