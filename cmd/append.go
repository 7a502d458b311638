package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/tagger"
	"github.com/spf13/cobra"
)

var (
	appendFrom       string
	appendFileName   string
	appendSourcePath string
	appendSummary    string
	appendChainTag   string
	appendTarget     string
	appendForce      bool
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Add records to the store",
	Long: `Adds one record described by flags, or a JSON array of records read with
--from (use - for stdin). Records go through the same duplicate handling as a
scan: an entry with the same file name and path is skipped and a known file
name at a new path has its path updated. --force replaces the first entry with
the same file name instead.`,
	Args: cobra.NoArgs,
	RunE: runAppend,
}

func init() {
	f := appendCmd.Flags()
	f.StringVar(&appendFrom, "from", "", "JSON file with an array of records (- for stdin)")
	f.StringVar(&appendFileName, "file-name", "", "File name (default: base of --source-path)")
	f.StringVar(&appendSourcePath, "source-path", "", "Path of the summarized file")
	f.StringVar(&appendSummary, "summary", "", "Summary text")
	f.StringVar(&appendChainTag, "chain-tag", "", "Chain tag (default: derived from --source-path)")
	f.StringVar(&appendTarget, "target", "", "Final target path (default: --source-path)")
	f.BoolVar(&appendForce, "force", false, "Replace an existing entry with the same file name")
	appendCmd.MarkFlagsMutuallyExclusive("from", "source-path")
	rootCmd.AddCommand(appendCmd)
}

func runAppend(cmd *cobra.Command, args []string) error {
	records, err := appendInput(cmd.InOrStdin())
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	results, err := st.AppendRecords(cmd.Context(), records, store.AppendOptions{Force: appendForce})
	if err != nil {
		return fmt.Errorf("failed to append: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, res := range results {
		fmt.Fprintf(out, "%-16s %s\n", res.Status, res.Record.SourcePath)
	}
	if len(results) > 0 && results[0].RecoveredFrom != "" {
		fmt.Fprintf(out, "Note: store was restored from %s\n", results[0].RecoveredFrom)
	}
	return nil
}

func appendInput(stdin io.Reader) ([]store.AnalysisRecord, error) {
	if appendFrom != "" {
		r := stdin
		if appendFrom != "-" {
			f, err := os.Open(appendFrom)
			if err != nil {
				return nil, fmt.Errorf("failed to open %s: %w", appendFrom, err)
			}
			defer f.Close()
			r = f
		}
		return decodeRecordList(r)
	}

	if appendSourcePath == "" {
		return nil, fmt.Errorf("either --from or --source-path is required")
	}
	return []store.AnalysisRecord{recordFromFlags(time.Now())}, nil
}

func decodeRecordList(r io.Reader) ([]store.AnalysisRecord, error) {
	var records []store.AnalysisRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no records in input")
	}
	for i := range records {
		if records[i].Timestamp.IsZero() {
			records[i].Timestamp = time.Now()
		}
	}
	return records, nil
}

func recordFromFlags(now time.Time) store.AnalysisRecord {
	name := appendFileName
	if name == "" {
		name = filepath.Base(appendSourcePath)
	}
	target := appendTarget
	if target == "" {
		target = appendSourcePath
	}
	tag := appendChainTag
	if tag == "" {
		tag = tagger.ChainTag(appendSourcePath)
	}

	return store.AnalysisRecord{
		Timestamp:       now,
		FileName:        name,
		SourcePath:      appendSourcePath,
		Summary:         appendSummary,
		Tags:            store.Tags{ChainTag: tagger.FormatTag(tag)},
		FinalTargetPath: target,
	}
}
