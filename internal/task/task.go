// Package task runs folder scans that summarize files and record the results
// in a store.
package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/summarizer"
	"github.com/google/uuid"
)

// State represents the current state of a task
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Active reports whether a task in this state owns its folder.
func (s State) Active() bool {
	return s == StatePending || s == StateRunning
}

// Finished reports whether the state is final until a restart.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

// DefaultExtensions is the allow-list of file types a scan picks up.
var DefaultExtensions = []string{
	".txt", ".md", ".py", ".js", ".html", ".css", ".json", ".xml", ".csv",
	".pdf", ".docx", ".doc",
	".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tiff", ".webp",
}

// Options are the per-task summarizer parameters.
type Options struct {
	SummaryLength int    `json:"summaryLength"`
	Model         string `json:"model,omitempty"`
}

// Counters track per-file outcomes of a task run.
type Counters struct {
	Total       int `json:"total"`
	Processed   int `json:"processed"`
	Successful  int `json:"successful"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	PathUpdated int `json:"pathUpdated"`
}

// Task is one folder scan.
type Task struct {
	ID      string  `json:"id"`
	Root    string  `json:"root"`
	State   State   `json:"state"`
	Options Options `json:"options"`
	Counters
	Progress    float64    `json:"progress"`
	CurrentFile string     `json:"currentFile,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Error       string     `json:"error,omitempty"`
	Runs        int        `json:"runs"`

	cancel context.CancelFunc
	done   chan struct{}
}

// Duration returns how long the task has been running, or ran.
func (t Task) Duration() time.Duration {
	if t.StartTime == nil {
		return 0
	}
	if t.EndTime != nil {
		return t.EndTime.Sub(*t.StartTime)
	}
	return time.Since(*t.StartTime)
}

func (t *Task) snapshot() Task {
	c := *t
	c.cancel = nil
	c.done = nil
	return c
}

func (t *Task) event() ProgressEvent {
	return ProgressEvent{
		TaskID:      t.ID,
		State:       t.State,
		Total:       t.Total,
		Processed:   t.Processed,
		Successful:  t.Successful,
		Failed:      t.Failed,
		Skipped:     t.Skipped,
		PathUpdated: t.PathUpdated,
		Progress:    t.Progress,
		CurrentFile: t.CurrentFile,
		Timestamp:   time.Now(),
	}
}

// Config tunes the scheduler.
type Config struct {
	// Extensions is the case-insensitive allow-list; DefaultExtensions when empty
	Extensions []string

	// RetryAttempts bounds attempts of a store operation failing with a
	// retryable error
	RetryAttempts int
	RetryBackoff  time.Duration

	// JournalDir enables per-task JSONL journals when set
	JournalDir string
}

func (c Config) withDefaults() Config {
	if len(c.Extensions) == 0 {
		c.Extensions = DefaultExtensions
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	return c
}

// Stats aggregates counters across all tasks.
type Stats struct {
	Tasks       int           `json:"tasks"`
	ByState     map[State]int `json:"byState"`
	Counters                  // summed over all tasks
	SuccessRate float64       `json:"successRate"`
}

// Scheduler manages the lifecycle of tasks. Each started task runs in its own
// goroutine; all of them write through the same store.Appender.
type Scheduler struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	store       store.Appender
	summarizer  summarizer.Summarizer
	cfg         Config
	extensions  map[string]bool
	broadcaster *EventBroadcaster
	wg          sync.WaitGroup
}

// NewScheduler creates a scheduler writing results to st.
func NewScheduler(st store.Appender, sum summarizer.Summarizer, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()

	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}

	return &Scheduler{
		tasks:       make(map[string]*Task),
		store:       st,
		summarizer:  sum,
		cfg:         cfg,
		extensions:  exts,
		broadcaster: NewEventBroadcaster(),
	}
}

// Events returns the broadcaster carrying progress of all tasks.
func (s *Scheduler) Events() *EventBroadcaster {
	return s.broadcaster
}

// CreateTask registers a pending task for root. root must be an existing
// directory with no other pending or running task.
func (s *Scheduler) CreateTask(root string, opts Options) (Task, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Task{}, fmt.Errorf("failed to resolve folder: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Task{}, fmt.Errorf("folder not accessible: %w", err)
	}
	if !info.IsDir() {
		return Task{}, fmt.Errorf("not a directory: %s", abs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.State.Active() && t.Root == abs {
			return Task{}, fmt.Errorf("%w: %s (task %s)", ErrTaskActive, abs, t.ID)
		}
	}

	t := &Task{
		ID:        uuid.New().String(),
		Root:      abs,
		State:     StatePending,
		Options:   opts,
		CreatedAt: time.Now(),
	}
	s.tasks[t.ID] = t
	return t.snapshot(), nil
}

// Start launches a pending task in the background.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return &NotFoundError{TaskID: id}
	}
	if t.State != StatePending {
		return stateError(id, t.State, "start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	t.State = StateRunning
	t.StartTime = &now
	t.EndTime = nil
	t.Runs++
	t.cancel = cancel
	t.done = make(chan struct{})

	tasksRunning.Inc()
	s.wg.Add(1)
	go s.run(ctx, t.ID, t.done, t.Runs > 1)

	s.broadcaster.Broadcast(t.event())
	return nil
}

// Stop requests cancellation. A running task finishes the file in hand, then
// stops; a pending task stops immediately.
func (s *Scheduler) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return &NotFoundError{TaskID: id}
	}

	switch t.State {
	case StateRunning:
		t.cancel()
	case StatePending:
		now := time.Now()
		t.State = StateStopped
		t.EndTime = &now
		s.broadcaster.Broadcast(t.event())
	default:
		return stateError(id, t.State, "stop")
	}
	return nil
}

// Restart resets the counters of a stopped or failed task and starts it again.
func (s *Scheduler) Restart(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{TaskID: id}
	}
	if t.State != StateStopped && t.State != StateFailed {
		s.mu.Unlock()
		return stateError(id, t.State, "restart")
	}
	for _, other := range s.tasks {
		if other.ID != id && other.State.Active() && other.Root == t.Root {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s (task %s)", ErrTaskActive, t.Root, other.ID)
		}
	}

	t.State = StatePending
	t.Counters = Counters{}
	t.Progress = 0
	t.CurrentFile = ""
	t.Error = ""
	t.EndTime = nil
	s.mu.Unlock()

	return s.Start(id)
}

// Remove stops the task if needed, waits for it to wind down and forgets it.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{TaskID: id}
	}
	done := t.done
	if t.State == StateRunning {
		t.cancel()
	}
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()

	s.broadcaster.CleanupTask(id)
	s.deleteJournal(id)
	return nil
}

// ClearFinished forgets all completed, failed and stopped tasks and returns how
// many were removed.
func (s *Scheduler) ClearFinished() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.tasks {
		if t.State.Finished() {
			delete(s.tasks, id)
			s.broadcaster.CleanupTask(id)
			s.deleteJournal(id)
			n++
		}
	}
	return n
}

// Journal returns the per-file entries the task has recorded so far, oldest
// first. A task that has not processed a file yet has an empty journal.
func (s *Scheduler) Journal(id string) ([]store.JournalEntry, error) {
	if _, ok := s.GetTask(id); !ok {
		return nil, &NotFoundError{TaskID: id}
	}
	if s.cfg.JournalDir == "" {
		return nil, ErrJournalDisabled
	}

	entries, err := store.ReadJournal(s.cfg.JournalDir, id)
	if errors.Is(err, fs.ErrNotExist) {
		return []store.JournalEntry{}, nil
	}
	return entries, err
}

func (s *Scheduler) deleteJournal(id string) {
	if s.cfg.JournalDir == "" {
		return
	}
	if err := store.DeleteJournal(s.cfg.JournalDir, id); err != nil {
		slog.Warn("Failed to delete task journal", "task_id", id, "error", err)
	}
}

// GetTask returns a snapshot of a task.
func (s *Scheduler) GetTask(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// ListTasks returns snapshots of all tasks, oldest first.
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t.snapshot())
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Wait blocks until the current run of the task ends or ctx is done, and
// returns the task as it was left.
func (s *Scheduler) Wait(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	t, ok := s.tasks[id]
	var done chan struct{}
	if ok {
		done = t.done
	}
	s.mu.RUnlock()

	if !ok {
		return Task{}, &NotFoundError{TaskID: id}
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
	}

	snap, _ := s.GetTask(id)
	return snap, nil
}

// Shutdown stops all running tasks and waits for them, or for ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.State == StateRunning {
			t.cancel()
		}
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats aggregates counters over all known tasks. The success rate counts
// new and path-updated files against every file that needed work, so skipped
// duplicates do not inflate it.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Tasks:   len(s.tasks),
		ByState: make(map[State]int),
	}
	for _, t := range s.tasks {
		st.ByState[t.State]++
		st.Total += t.Total
		st.Processed += t.Processed
		st.Successful += t.Successful
		st.Failed += t.Failed
		st.Skipped += t.Skipped
		st.PathUpdated += t.PathUpdated
	}

	if attempted := st.Processed - st.Skipped; attempted > 0 {
		st.SuccessRate = float64(st.Successful+st.PathUpdated) * 100 / float64(attempted)
	}
	return st
}

// update applies fn to a task under the lock and broadcasts the result.
func (s *Scheduler) update(id string, fn func(*Task)) (Task, bool) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, false
	}
	fn(t)
	snap := t.snapshot()
	event := t.event()
	s.mu.Unlock()

	s.broadcaster.Broadcast(event)
	return snap, true
}
