package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/summarizer"
	"github.com/cwbudde/tidyscan/internal/tagger"
)

// run executes one run of a task in the background. Cancellation is checked
// between files; a file whose summary is in flight is always recorded first.
func (s *Scheduler) run(ctx context.Context, id string, done chan struct{}, resumed bool) {
	defer s.wg.Done()
	defer close(done)
	defer tasksRunning.Dec()

	t, ok := s.GetTask(id)
	if !ok {
		return
	}

	slog.Info("Starting task", "task_id", id, "root", t.Root, "run", t.Runs)

	var journal *store.JournalWriter
	if s.cfg.JournalDir != "" {
		jw, err := store.NewJournalWriter(s.cfg.JournalDir, id, resumed)
		if err != nil {
			slog.Warn("Task journal disabled", "task_id", id, "error", err)
		} else {
			journal = jw
			slog.Debug("Task journal opened", "task_id", id, "path", jw.Path())
			defer func() {
				if err := jw.Close(); err != nil {
					slog.Warn("Failed to close task journal", "task_id", id, "error", err)
				}
			}()
		}
	}

	if checker, ok := s.summarizer.(summarizer.CapabilityChecker); ok {
		if err := checker.Available(ctx); err != nil {
			if ctx.Err() != nil {
				s.markStopped(id)
				return
			}
			s.markFailed(id, fmt.Errorf("summarizer not available: %w", err))
			return
		}
	}

	files, err := s.collectFiles(ctx, t.Root)
	if err != nil {
		if ctx.Err() != nil {
			s.markStopped(id)
			return
		}
		s.markFailed(id, fmt.Errorf("failed to enumerate %s: %w", t.Root, err))
		return
	}
	if len(files) == 0 {
		s.markFailed(id, fmt.Errorf("no supported files found in %s", t.Root))
		return
	}

	s.update(id, func(t *Task) { t.Total = len(files) })
	slog.Info("Enumerated files", "task_id", id, "count", len(files))

	collectionParent := filepath.Dir(t.Root)

	for i, path := range files {
		select {
		case <-ctx.Done():
			s.markStopped(id)
			return
		default:
		}

		s.update(id, func(t *Task) { t.CurrentFile = path })

		status, err := s.processFile(ctx, collectionParent, path, t.Options)
		if err != nil && status == "" && ctx.Err() != nil {
			// Stop interrupted the store read before any work was done
			s.markStopped(id)
			return
		}
		if err != nil && isStoreFatal(err) {
			s.markFailed(id, err)
			return
		}

		entry := store.JournalEntry{FilePath: path, Status: status}
		if err != nil {
			entry.Status = store.StatusFailed
			entry.Error = err.Error()
			slog.Warn("File failed", "task_id", id, "path", path, "error", err)
		}
		if journal != nil {
			if jerr := journal.Write(entry); jerr != nil {
				slog.Warn("Failed to write task journal", "task_id", id, "error", jerr)
			} else if jerr := journal.Flush(); jerr != nil {
				slog.Warn("Failed to flush task journal", "task_id", id, "error", jerr)
			}
		}
		filesTotal.WithLabelValues(string(entry.Status)).Inc()

		processed := i + 1
		s.update(id, func(t *Task) {
			t.Processed = processed
			switch entry.Status {
			case store.StatusNew:
				t.Successful++
			case store.StatusPathUpdated:
				t.PathUpdated++
			case store.StatusSkippedDuplicate:
				t.Skipped++
			default:
				t.Failed++
			}
			t.Progress = float64(processed) / float64(t.Total) * 100
		})
	}

	s.markCompleted(id)
}

// processFile handles one file and returns the status it ended up with.
func (s *Scheduler) processFile(ctx context.Context, collectionParent, path string, opts Options) (store.ProcessingStatus, error) {
	name := filepath.Base(path)

	var (
		status   store.ProcessingStatus
		existing *store.AnalysisRecord
	)
	err := s.withRetry(ctx, func() error {
		var err error
		status, existing, err = s.store.Classify(ctx, name, path)
		return err
	})
	if err != nil {
		return "", err
	}

	// Past this point the file is finished even if Stop arrives
	ctx = context.WithoutCancel(ctx)

	switch status {
	case store.StatusSkippedDuplicate:
		slog.Debug("Skipping already analyzed file", "path", path)
		return store.StatusSkippedDuplicate, nil

	case store.StatusPathUpdated:
		rec := *existing
		rec.SourcePath = path
		rec.FinalTargetPath = path
		rec.Timestamp = time.Now()
		return s.appendRecord(ctx, rec)
	}

	start := time.Now()
	res, err := s.summarizer.Summarize(ctx, path, summarizer.Options{
		SummaryLength: opts.SummaryLength,
		Model:         opts.Model,
	})
	summarizeSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return store.StatusFailed, &SummarizationError{Path: path, cause: err}
	}
	if res == nil || !res.Success {
		reason := "summarizer reported failure"
		if res != nil && res.Error != "" {
			reason = res.Error
		}
		return store.StatusFailed, &SummarizationError{Path: path, Reason: reason}
	}

	chainTag := tagger.FormatTag(res.Tags)
	if chainTag == "" {
		rel, err := filepath.Rel(collectionParent, path)
		if err != nil {
			rel = path
		}
		chainTag = tagger.ChainTag(rel)
	}

	return s.appendRecord(ctx, store.AnalysisRecord{
		Timestamp:       time.Now(),
		FileName:        name,
		SourcePath:      path,
		Summary:         res.Summary,
		Tags:            store.Tags{ChainTag: chainTag},
		FinalTargetPath: path,
	})
}

func (s *Scheduler) appendRecord(ctx context.Context, rec store.AnalysisRecord) (store.ProcessingStatus, error) {
	var result *store.AppendResult
	err := s.withRetry(ctx, func() error {
		var err error
		result, err = s.store.AppendRecord(ctx, rec, store.AppendOptions{})
		return err
	})
	if err != nil {
		return store.StatusFailed, err
	}
	if result.RecoveredFrom != "" {
		slog.Warn("Store was recovered from backup during append", "backup", result.RecoveredFrom)
	}
	return result.Status, nil
}

// withRetry runs op until it succeeds, fails with a non-retryable error or the
// attempt budget is spent. Backoff doubles after each attempt.
func (s *Scheduler) withRetry(ctx context.Context, op func() error) error {
	backoff := s.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !store.IsRetryable(err) || attempt >= s.cfg.RetryAttempts {
			return err
		}

		slog.Debug("Retrying store operation", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// isStoreFatal reports errors that make the store unusable for the rest of the run.
func isStoreFatal(err error) bool {
	return errors.Is(err, store.ErrCorruption) || errors.Is(err, store.ErrSave)
}

// collectFiles lists the allow-listed files under root in lexical order.
func (s *Scheduler) collectFiles(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			slog.Warn("Skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		if s.extensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// markFailed marks a task as failed with an error message
func (s *Scheduler) markFailed(id string, err error) {
	s.finish(id, StateFailed, err.Error())
	slog.Error("Task failed", "task_id", id, "error", err)
}

// markStopped marks a task as stopped
func (s *Scheduler) markStopped(id string) {
	s.finish(id, StateStopped, "")
	slog.Info("Task stopped", "task_id", id)
}

func (s *Scheduler) markCompleted(id string) {
	t, _ := s.finish(id, StateCompleted, "")
	slog.Info("Task completed",
		"task_id", id,
		"elapsed", t.Duration(),
		"total", t.Total,
		"successful", t.Successful,
		"path_updated", t.PathUpdated,
		"skipped", t.Skipped,
		"failed", t.Failed,
	)
}

func (s *Scheduler) finish(id string, state State, msg string) (Task, bool) {
	tasksFinishedTotal.WithLabelValues(string(state)).Inc()
	return s.update(id, func(t *Task) {
		now := time.Now()
		t.State = state
		t.Error = msg
		t.EndTime = &now
		t.CurrentFile = ""
		if state == StateCompleted {
			t.Progress = 100
		}
	})
}
