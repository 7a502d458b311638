package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEntry records the outcome of one file processed by a task.
// Each entry is serialized as a JSON line in <dir>/<taskID>.jsonl.
type JournalEntry struct {
	Timestamp time.Time `json:"timestamp"`

	// FilePath is the file the task processed
	FilePath string `json:"file_path"`

	// Status is the processing status assigned to the file
	Status ProcessingStatus `json:"status"`

	// Error holds the failure reason for Failed entries
	Error string `json:"error,omitempty"`
}

// JournalWriter writes journal entries to a JSONL file.
// It uses buffered I/O and is safe for concurrent use.
type JournalWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// JournalPath returns the journal file of taskID inside dir.
func JournalPath(dir, taskID string) string {
	return filepath.Join(dir, taskID+".jsonl")
}

// NewJournalWriter creates a journal writer for the given task.
// If append is true, new entries are appended to an existing journal, which is
// what a restarted task does.
func NewJournalWriter(dir, taskID string, append bool) (*JournalWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := JournalPath(dir, taskID)

	var file *os.File
	var err error
	if append {
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &JournalWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 32*1024),
		path:   path,
	}, nil
}

// Write appends an entry. It is buffered until Flush or Close.
func (jw *JournalWriter) Write(entry JournalEntry) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	if _, err := jw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := jw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush writes buffered entries and syncs the file.
func (jw *JournalWriter) Flush() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := jw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close flushes buffered entries and closes the file.
func (jw *JournalWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		jw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := jw.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// Path returns the filesystem path of the journal.
func (jw *JournalWriter) Path() string {
	return jw.path
}

// ReadJournal reads every entry of the journal of taskID.
// Returns an os.IsNotExist error when the task never wrote a journal.
func ReadJournal(dir, taskID string) ([]JournalEntry, error) {
	file, err := os.Open(JournalPath(dir, taskID))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return decodeJournal(file)
}

func decodeJournal(r io.Reader) ([]JournalEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	entries := []JournalEntry{}
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}
	return entries, nil
}

// DeleteJournal removes the journal of taskID. Missing files are not an error.
func DeleteJournal(dir, taskID string) error {
	err := os.Remove(JournalPath(dir, taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete journal: %w", err)
	}
	return nil
}
