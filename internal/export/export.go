// Package export writes store snapshots in formats other tools can consume.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

// Format names an export format.
type Format string

const (
	FormatYAML   Format = "yaml"
	FormatSQLite Format = "sqlite"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatYAML, FormatSQLite:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format %q (want yaml or sqlite)", s)
}

type yamlRecord struct {
	Timestamp        time.Time `yaml:"timestamp"`
	FileName         string    `yaml:"file_name"`
	SourcePath       string    `yaml:"source_path"`
	Summary          string    `yaml:"summary"`
	ChainTag         string    `yaml:"chain_tag,omitempty"`
	FinalTargetPath  string    `yaml:"final_target_path"`
	ProcessingStatus string    `yaml:"processing_status"`
}

type yamlDocument struct {
	GeneratedAt time.Time         `yaml:"generated_at"`
	Source      string            `yaml:"source"`
	Statistics  *store.Statistics `yaml:"statistics"`
	Records     []yamlRecord      `yaml:"records"`
}

// WriteYAML writes the records and their statistics as one YAML document.
func WriteYAML(w io.Writer, source string, records []store.AnalysisRecord) error {
	stats := ComputeStatsForExport(records)

	doc := yamlDocument{
		GeneratedAt: time.Now().UTC(),
		Source:      source,
		Statistics:  stats,
		Records:     make([]yamlRecord, 0, len(records)),
	}
	for _, r := range records {
		doc.Records = append(doc.Records, yamlRecord{
			Timestamp:        r.Timestamp,
			FileName:         r.FileName,
			SourcePath:       r.SourcePath,
			Summary:          r.Summary,
			ChainTag:         r.Tags.ChainTag,
			FinalTargetPath:  r.FinalTargetPath,
			ProcessingStatus: string(r.ProcessingStatus),
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

// ComputeStatsForExport returns statistics without the recent-entries list,
// which would only duplicate the exported records.
func ComputeStatsForExport(records []store.AnalysisRecord) *store.Statistics {
	stats := store.ComputeStatistics(records)
	stats.RecentEntries = nil
	return stats
}

const sqliteSchema = `
	CREATE TABLE records (
		id INTEGER PRIMARY KEY,
		timestamp TEXT NOT NULL,
		file_name TEXT NOT NULL,
		source_path TEXT NOT NULL,
		summary TEXT,
		chain_tag TEXT,
		final_target_path TEXT,
		processing_status TEXT NOT NULL
	);
	CREATE INDEX idx_records_file_name ON records(file_name);
	CREATE INDEX idx_records_chain_tag ON records(chain_tag);
	CREATE INDEX idx_records_status ON records(processing_status);

	CREATE TABLE export_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

// WriteSQLite writes the records into a new SQLite database at path. The
// database is built next to path and renamed into place, so an existing export
// is only replaced by a complete one.
func WriteSQLite(ctx context.Context, path, source string, records []store.AnalysisRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp database: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := buildSQLite(ctx, tmpPath, source, records); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move database into place: %w", err)
	}

	slog.Debug("SQLite export written", "path", path, "records", len(records))
	return nil
}

func buildSQLite(ctx context.Context, path, source string, records []store.AnalysisRecord) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open export database: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (timestamp, file_name, source_path, summary, chain_tag, final_target_path, processing_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		status := r.ProcessingStatus
		if status == "" {
			status = store.StatusNew
		}
		if _, err := stmt.ExecContext(ctx,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.FileName,
			r.SourcePath,
			r.Summary,
			r.Tags.ChainTag,
			r.FinalTargetPath,
			string(status),
		); err != nil {
			return fmt.Errorf("failed to insert %s: %w", r.FileName, err)
		}
	}

	meta := map[string]string{
		"source":       source,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"record_count": fmt.Sprint(len(records)),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO export_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to write export metadata: %w", err)
		}
	}

	return tx.Commit()
}
