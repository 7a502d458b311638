package main

import (
	"context"
	"fmt"
	"io"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/tagger"
	"github.com/spf13/cobra"
)

var (
	retagDryRun bool
	retagDerive bool
)

var retagCmd = &cobra.Command{
	Use:   "retag",
	Short: "Normalize the chain tags of stored records",
	Long: `Rewrites every chain tag into its normalized form. With --derive, records
without a tag get one derived from their source path. Only the tags change;
paths, summaries and statuses are kept.`,
	Args: cobra.NoArgs,
	RunE: runRetag,
}

func init() {
	retagCmd.Flags().BoolVar(&retagDryRun, "dry-run", false, "Show the changes without writing them")
	retagCmd.Flags().BoolVar(&retagDerive, "derive", false, "Derive missing tags from the source path")
	rootCmd.AddCommand(retagCmd)
}

// tagChange is one planned chain tag rewrite
type tagChange struct {
	Index    int
	FileName string
	OldTag   string
	NewTag   string
}

// planRetag returns the records whose chain tag changes.
func planRetag(records []store.AnalysisRecord, derive bool) []tagChange {
	var changes []tagChange
	for i, rec := range records {
		newTag := tagger.FormatTag(rec.Tags.ChainTag)
		if newTag == "" && derive {
			newTag = tagger.ChainTag(rec.SourcePath)
		}
		if newTag == rec.Tags.ChainTag {
			continue
		}
		changes = append(changes, tagChange{
			Index:    i,
			FileName: rec.FileName,
			OldTag:   rec.Tags.ChainTag,
			NewTag:   newTag,
		})
	}
	return changes
}

// retagStore plans the tag changes on the records current under the store lock
// and writes them in the same transaction. With dryRun the store is only read.
func retagStore(ctx context.Context, st *store.RecordStore, derive, dryRun bool) ([]tagChange, error) {
	if dryRun {
		snap, err := st.Load(ctx)
		if err != nil {
			return nil, err
		}
		return planRetag(snap.Records, derive), nil
	}

	var changes []tagChange
	_, err := st.Update(ctx, func(records []store.AnalysisRecord) ([]store.AnalysisRecord, bool, error) {
		changes = planRetag(records, derive)
		for _, c := range changes {
			records[c.Index].Tags.ChainTag = c.NewTag
		}
		return records, len(changes) > 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write retagged records: %w", err)
	}
	return changes, nil
}

func printRetag(w io.Writer, changes []tagChange) {
	for _, c := range changes {
		fmt.Fprintf(w, "%s: %q -> %q\n", c.FileName, c.OldTag, c.NewTag)
	}
}

func runRetag(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	changes, err := retagStore(cmd.Context(), st, retagDerive, retagDryRun)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(changes) == 0 {
		fmt.Fprintln(out, "All chain tags are already normalized.")
		return nil
	}

	printRetag(out, changes)
	if retagDryRun {
		fmt.Fprintf(out, "\n%d record(s) would change (dry run).\n", len(changes))
		return nil
	}
	fmt.Fprintf(out, "\nUpdated %d record(s).\n", len(changes))
	return nil
}
