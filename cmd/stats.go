package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics about the stored records",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	stats, err := st.Statistics(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	printStats(out, st.Path(), stats)
	return nil
}

func printStats(w io.Writer, path string, stats *store.Statistics) {
	fmt.Fprintf(w, "Store: %s\n", path)
	fmt.Fprintf(w, "Entries: %d (%d with chain tag, %d without summary)\n",
		stats.TotalEntries, stats.WithChainTag, stats.WithoutSummary)

	if len(stats.ByStatus) > 0 {
		fmt.Fprintln(w, "\nBy status:")
		for _, status := range []store.ProcessingStatus{store.StatusNew, store.StatusPathUpdated, store.StatusSkippedDuplicate, store.StatusFailed} {
			if n := stats.ByStatus[status]; n > 0 {
				fmt.Fprintf(w, "  %-18s %d\n", status, n)
			}
		}
	}

	if len(stats.ByExtension) > 0 {
		exts := make([]string, 0, len(stats.ByExtension))
		for ext := range stats.ByExtension {
			exts = append(exts, ext)
		}
		sort.Slice(exts, func(i, j int) bool {
			if stats.ByExtension[exts[i]] != stats.ByExtension[exts[j]] {
				return stats.ByExtension[exts[i]] > stats.ByExtension[exts[j]]
			}
			return exts[i] < exts[j]
		})

		fmt.Fprintln(w, "\nBy extension:")
		for _, ext := range exts {
			fmt.Fprintf(w, "  %-18s %d\n", ext, stats.ByExtension[ext])
		}
	}

	if len(stats.RecentEntries) > 0 {
		fmt.Fprintln(w, "\nRecent entries:")
		for _, r := range stats.RecentEntries {
			fmt.Fprintf(w, "  %s  %s\n", r.Timestamp.Format(time.DateTime), r.SourcePath)
		}
	}
}
