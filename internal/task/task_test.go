package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
)

func TestScheduler_CreateTask(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})
	root := t.TempDir()

	task, err := s.CreateTask(root, Options{SummaryLength: 150, Model: "m"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if task.ID == "" {
		t.Error("Task ID should not be empty")
	}
	if task.State != StatePending {
		t.Errorf("Initial state should be pending, got %s", task.State)
	}
	if task.Options.SummaryLength != 150 || task.Options.Model != "m" {
		t.Errorf("Options not set correctly: %+v", task.Options)
	}
}

func TestScheduler_CreateTask_InvalidRoot(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})

	if _, err := s.CreateTask(filepath.Join(t.TempDir(), "missing"), Options{}); err == nil {
		t.Error("Expected error for missing folder")
	}

	file := filepath.Join(t.TempDir(), "file.txt")
	os.WriteFile(file, []byte("x"), 0644)
	if _, err := s.CreateTask(file, Options{}); err == nil {
		t.Error("Expected error for a file root")
	}
}

func TestScheduler_CreateTask_RejectsActiveRoot(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})
	root := t.TempDir()

	first, err := s.CreateTask(root, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.CreateTask(root+string(filepath.Separator), Options{}); !errors.Is(err, ErrTaskActive) {
		t.Errorf("Expected ErrTaskActive, got %v", err)
	}

	if err := s.Stop(first.ID); err != nil {
		t.Fatalf("Stop of pending task failed: %v", err)
	}
	if _, err := s.CreateTask(root, Options{}); err != nil {
		t.Errorf("Root should be free once the task is stopped: %v", err)
	}
}

func TestScheduler_GetTask(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})
	task, _ := s.CreateTask(t.TempDir(), Options{})

	retrieved, exists := s.GetTask(task.ID)
	if !exists {
		t.Error("Task should exist")
	}
	if retrieved.ID != task.ID {
		t.Error("Retrieved wrong task")
	}

	if _, exists := s.GetTask("nonexistent"); exists {
		t.Error("Should not find nonexistent task")
	}
}

func TestScheduler_ListTasks(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})

	if len(s.ListTasks()) != 0 {
		t.Error("Should start with no tasks")
	}

	first, _ := s.CreateTask(t.TempDir(), Options{})
	time.Sleep(time.Millisecond)
	s.CreateTask(t.TempDir(), Options{})

	tasks := s.ListTasks()
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != first.ID {
		t.Error("Tasks should be listed oldest first")
	}
}

func TestScheduler_UnknownTask(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})

	checks := map[string]error{
		"start":   s.Start("nope"),
		"stop":    s.Stop("nope"),
		"restart": s.Restart("nope"),
		"remove":  s.Remove(context.Background(), "nope"),
	}
	for op, err := range checks {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", op, err)
		}
	}

	if _, err := s.Wait(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wait: expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_InvalidTransitions(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})

	root := t.TempDir()
	writeFiles(t, root, "a.txt")

	pending, _ := s.CreateTask(t.TempDir(), Options{})
	if err := s.Restart(pending.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Restarting a pending task should fail, got %v", err)
	}

	done := runTask(t, s, root)
	if done.State != StateCompleted {
		t.Fatalf("Expected completed, got %s", done.State)
	}
	if err := s.Start(done.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Starting a completed task should fail, got %v", err)
	}
	if err := s.Restart(done.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Restarting a completed task should fail, got %v", err)
	}
}

func TestScheduler_RemoveAndClearFinished(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})

	root := t.TempDir()
	writeFiles(t, root, "a.txt")

	finished := runTask(t, s, root)
	pending, _ := s.CreateTask(t.TempDir(), Options{})
	removable, _ := s.CreateTask(t.TempDir(), Options{})

	if err := s.Remove(context.Background(), removable.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok := s.GetTask(removable.ID); ok {
		t.Error("Removed task should be gone")
	}

	if n := s.ClearFinished(); n != 1 {
		t.Errorf("Expected 1 cleared task, got %d", n)
	}
	if _, ok := s.GetTask(finished.ID); ok {
		t.Error("Finished task should be cleared")
	}
	if _, ok := s.GetTask(pending.ID); !ok {
		t.Error("Pending task should survive ClearFinished")
	}
}

func TestScheduler_JournalLifecycle(t *testing.T) {
	journalDir := t.TempDir()
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{JournalDir: journalDir})

	root := t.TempDir()
	writeFiles(t, root, "a.txt", "b.md")

	pending, _ := s.CreateTask(t.TempDir(), Options{})
	entries, err := s.Journal(pending.ID)
	if err != nil {
		t.Fatalf("Journal of a pending task failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Pending task should have an empty journal, got %d entries", len(entries))
	}

	first := runTask(t, s, root)
	entries, err = s.Journal(first.ID)
	if err != nil {
		t.Fatalf("Journal failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 journal entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Status != store.StatusNew {
			t.Errorf("Expected New entries, got %s for %s", e.Status, e.FilePath)
		}
	}

	if _, err := s.Journal("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	if err := s.Remove(context.Background(), first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(store.JournalPath(journalDir, first.ID)); !os.IsNotExist(err) {
		t.Errorf("Remove should delete the journal, stat error: %v", err)
	}

	second := runTask(t, s, root)
	if n := s.ClearFinished(); n != 1 {
		t.Fatalf("Expected 1 cleared task, got %d", n)
	}
	if _, err := os.Stat(store.JournalPath(journalDir, second.ID)); !os.IsNotExist(err) {
		t.Errorf("ClearFinished should delete the journal, stat error: %v", err)
	}
}

func TestScheduler_JournalDisabled(t *testing.T) {
	s, _ := setupScheduler(t, newFakeSummarizer(), Config{})
	task, _ := s.CreateTask(t.TempDir(), Options{})

	if _, err := s.Journal(task.ID); !errors.Is(err, ErrJournalDisabled) {
		t.Errorf("Expected ErrJournalDisabled, got %v", err)
	}
}

func TestScheduler_Stats(t *testing.T) {
	sum := newFakeSummarizer()
	sum.fail["bad.txt"] = true
	s, _ := setupScheduler(t, sum, Config{})

	root := t.TempDir()
	writeFiles(t, root, "a.txt", "b.txt", "c.txt", "bad.txt")
	runTask(t, s, root)
	again := runTask(t, s, root) // a, b, c skipped; bad fails again

	if again.Skipped != 3 || again.Failed != 1 {
		t.Fatalf("Unexpected second run counters: %+v", again.Counters)
	}

	stats := s.Stats()
	if stats.Tasks != 2 || stats.ByState[StateCompleted] != 2 {
		t.Errorf("Unexpected task counts: %+v", stats)
	}
	if stats.Processed != 8 || stats.Successful != 3 || stats.Failed != 2 || stats.Skipped != 3 {
		t.Errorf("Unexpected aggregate counters: %+v", stats.Counters)
	}
	// 3 successes out of 5 files that needed work
	if stats.SuccessRate != 60 {
		t.Errorf("Expected success rate 60, got %f", stats.SuccessRate)
	}
}

func TestScheduler_Shutdown(t *testing.T) {
	sum := newFakeSummarizer()
	sum.delay = 20 * time.Millisecond
	s, _ := setupScheduler(t, sum, Config{})

	root := t.TempDir()
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt", "f.txt"} {
		writeFiles(t, root, name)
	}

	task, _ := s.CreateTask(root, Options{})
	s.Start(task.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	final, _ := s.GetTask(task.ID)
	if final.State.Active() {
		t.Errorf("Task should not be active after shutdown, got %s", final.State)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	eb.Broadcast(ProgressEvent{TaskID: "t1", Processed: 1})

	ch := eb.Subscribe("t1")
	select {
	case ev := <-ch:
		if ev.Processed != 1 {
			t.Errorf("Expected cached event, got %+v", ev)
		}
	default:
		t.Error("New subscriber should receive the last event")
	}

	eb.Broadcast(ProgressEvent{TaskID: "t1", Processed: 2})
	eb.Broadcast(ProgressEvent{TaskID: "t2", Processed: 9})
	if ev := <-ch; ev.Processed != 2 {
		t.Errorf("Expected event 2, got %+v", ev)
	}

	eb.CleanupTask("t1")
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after cleanup")
	}
	eb.Unsubscribe("t1", ch) // must not panic after cleanup
}
