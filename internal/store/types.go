package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ProcessingStatus is the outcome assigned to a file when it is recorded.
// The set is closed; the store and the task scheduler share it.
type ProcessingStatus string

const (
	StatusNew              ProcessingStatus = "New"
	StatusSkippedDuplicate ProcessingStatus = "SkippedDuplicate"
	StatusPathUpdated      ProcessingStatus = "PathUpdated"
	StatusFailed           ProcessingStatus = "Failed"
)

// Valid reports whether s is one of the known statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusNew, StatusSkippedDuplicate, StatusPathUpdated, StatusFailed:
		return true
	}
	return false
}

// Tags holds the classification labels of a record.
type Tags struct {
	// ChainTag is a '/'-joined hierarchical label derived from the directory path
	ChainTag string `json:"chain_tag"`
}

// AnalysisRecord is one analyzed item in the result store.
//
// Identity: two records describe the same item when FileName matches and the
// resolved SourcePath matches. A FileName match with a different path means the
// file was moved.
type AnalysisRecord struct {
	// Timestamp records when the record was last written
	Timestamp time.Time `json:"timestamp"`

	// FileName is the base name of the analyzed file
	FileName string `json:"file_name"`

	// SourcePath is the full path the file was read from
	SourcePath string `json:"source_path"`

	// Summary is the text produced by the summarizer
	Summary string `json:"summary"`

	Tags Tags `json:"tags"`

	// FinalTargetPath is where the file lives after organization
	FinalTargetPath string `json:"final_target_path"`

	ProcessingStatus ProcessingStatus `json:"processing_status"`
}

// Validate checks that the record carries the fields every stored entry needs.
func (r *AnalysisRecord) Validate() error {
	if strings.TrimSpace(r.FileName) == "" {
		return &ValidationError{Field: "file_name", Reason: "cannot be empty"}
	}
	if r.ProcessingStatus != "" && !r.ProcessingStatus.Valid() {
		return &ValidationError{Field: "processing_status", Reason: fmt.Sprintf("unknown value %q", r.ProcessingStatus)}
	}
	return nil
}

// ValidationError represents a record validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// ResolvePath normalizes a path for identity comparison.
func ResolvePath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// Snapshot is the result of loading the store.
type Snapshot struct {
	Records []AnalysisRecord

	// RecoveredFrom is the backup the records were read from when the primary
	// file was corrupt. Empty when the primary file was used.
	RecoveredFrom string
}

// Recovered reports whether the snapshot came from a backup.
func (s *Snapshot) Recovered() bool {
	return s.RecoveredFrom != ""
}

// AppendOptions controls how AppendRecord resolves identity.
type AppendOptions struct {
	// Force replaces the first record with the same file name instead of
	// skipping or reusing it.
	Force bool
}

// AppendResult describes what AppendRecord did with one record.
type AppendResult struct {
	Status ProcessingStatus `json:"status"`
	Record AnalysisRecord   `json:"record"`

	// RecoveredFrom is set when the transaction had to read from a backup.
	RecoveredFrom string `json:"recoveredFrom,omitempty"`
}

// Statistics summarizes the store contents.
type Statistics struct {
	TotalEntries   int                      `json:"totalEntries" yaml:"total_entries"`
	ByStatus       map[ProcessingStatus]int `json:"byStatus" yaml:"by_status"`
	ByExtension    map[string]int           `json:"byExtension" yaml:"by_extension"`
	WithChainTag   int                      `json:"withChainTag" yaml:"with_chain_tag"`
	WithoutSummary int                      `json:"withoutSummary" yaml:"without_summary"`
	RecentEntries  []AnalysisRecord         `json:"recentEntries" yaml:"recent_entries"`
}

const recentEntriesLimit = 10

// ComputeStatistics builds Statistics from a record sequence.
func ComputeStatistics(records []AnalysisRecord) *Statistics {
	stats := &Statistics{
		TotalEntries: len(records),
		ByStatus:     make(map[ProcessingStatus]int),
		ByExtension:  make(map[string]int),
	}

	for _, rec := range records {
		status := rec.ProcessingStatus
		if status == "" {
			status = StatusNew
		}
		stats.ByStatus[status]++

		ext := strings.ToLower(filepath.Ext(rec.FileName))
		if ext == "" {
			ext = "(none)"
		}
		stats.ByExtension[ext]++

		if rec.Tags.ChainTag != "" {
			stats.WithChainTag++
		}
		if strings.TrimSpace(rec.Summary) == "" {
			stats.WithoutSummary++
		}
	}

	start := len(records) - recentEntriesLimit
	if start < 0 {
		start = 0
	}
	stats.RecentEntries = append([]AnalysisRecord{}, records[start:]...)

	return stats
}
