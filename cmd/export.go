package main

import (
	"fmt"
	"os"

	"github.com/cwbudde/tidyscan/internal/export"
	"github.com/spf13/cobra"
)

var (
	exportFormat string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the stored records as YAML or SQLite",
	Long: `Writes a snapshot of the store for other tools. YAML goes to stdout unless
--out is given; SQLite always needs --out and replaces the target database.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "yaml", "Export format (yaml, sqlite)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return err
	}
	if format == export.FormatSQLite && exportOut == "" {
		return fmt.Errorf("--out is required for sqlite exports")
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	snap, err := st.Load(cmd.Context())
	if err != nil {
		return err
	}

	switch format {
	case export.FormatSQLite:
		if err := export.WriteSQLite(cmd.Context(), exportOut, st.Path(), snap.Records); err != nil {
			return err
		}

	case export.FormatYAML:
		w := cmd.OutOrStdout()
		if exportOut != "" && exportOut != "-" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", exportOut, err)
			}
			defer f.Close()
			w = f
		}
		if err := export.WriteYAML(w, st.Path(), snap.Records); err != nil {
			return err
		}
	}

	if exportOut != "" && exportOut != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d record(s) to %s\n", len(snap.Records), exportOut)
	}
	return nil
}
