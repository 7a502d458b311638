package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwbudde/tidyscan/internal/store"
	"github.com/cwbudde/tidyscan/internal/summarizer"
	"github.com/cwbudde/tidyscan/internal/task"
)

// stubSummarizer returns a fixed summary, optionally after waiting on gate.
type stubSummarizer struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (s *stubSummarizer) Summarize(ctx context.Context, path string, opts summarizer.Options) (*summarizer.Result, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &summarizer.Result{Success: true, Summary: "summary of " + filepath.Base(path)}, nil
}

func setupServer(t *testing.T, sum summarizer.Summarizer) (*Server, *store.RecordStore) {
	t.Helper()

	st, err := store.NewRecordStore(filepath.Join(t.TempDir(), "results.json"), store.Options{
		LockManager:   store.NewLockManager(30 * time.Second),
		ProbeSamples:  2,
		ProbeInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	sched := task.NewScheduler(st, sum, task.Config{
		RetryBackoff: time.Millisecond,
		JournalDir:   t.TempDir(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})

	return NewServer(":0", sched, st, task.Options{SummaryLength: 100}), st
}

func makeFolder(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(root, name), []byte("content "+name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeTask(t *testing.T, w *httptest.ResponseRecorder) task.Task {
	t.Helper()
	var tk task.Task
	if err := json.NewDecoder(w.Body).Decode(&tk); err != nil {
		t.Fatalf("Failed to decode task: %v", err)
	}
	return tk
}

func TestServer_CreateTaskRunsToCompletion(t *testing.T) {
	s, st := setupServer(t, &stubSummarizer{})
	root := makeFolder(t, "a.txt", "b.md")

	w := doRequest(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"root": root})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	created := decodeTask(t, w)
	if created.ID == "" {
		t.Fatal("Task ID should not be empty")
	}
	if created.Options.SummaryLength != 100 {
		t.Errorf("Default summary length should apply, got %d", created.Options.SummaryLength)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := s.scheduler.Wait(ctx, created.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if done.State != task.StateCompleted || done.Successful != 2 {
		t.Errorf("Unexpected final task: %+v", done)
	}

	snap, err := st.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Records) != 2 {
		t.Errorf("Expected 2 stored records, got %d", len(snap.Records))
	}
}

func TestServer_CreateTaskValidation(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"missing root", `{"summaryLength": 10}`, http.StatusBadRequest},
		{"missing folder", `{"root": "/definitely/not/here"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestServer_DuplicateActiveTask(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})
	root := makeFolder(t, "a.txt")

	start := false
	body := map[string]any{"root": root, "start": start}
	if w := doRequest(t, s, http.MethodPost, "/api/v1/tasks", body); w.Code != http.StatusCreated {
		t.Fatalf("First create failed: %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodPost, "/api/v1/tasks", body); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a second active task, got %d", w.Code)
	}
}

func TestServer_TaskLifecycle(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})
	root := makeFolder(t, "a.txt")

	w := doRequest(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"root": root, "start": false})
	created := decodeTask(t, w)
	if created.State != task.StatePending {
		t.Fatalf("Expected pending task, got %s", created.State)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Get failed: %d", w.Code)
	}
	var details map[string]any
	json.NewDecoder(w.Body).Decode(&details)
	if details["id"] != created.ID {
		t.Errorf("Response should contain the task ID, got %v", details["id"])
	}
	if _, ok := details["elapsed"]; !ok {
		t.Error("Response should contain elapsed")
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/tasks/"+created.ID+"/stop", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Stop failed: %d %s", w.Code, w.Body.String())
	}
	if stopped := decodeTask(t, w); stopped.State != task.StateStopped {
		t.Errorf("Expected stopped, got %s", stopped.State)
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/tasks/"+created.ID+"/stop", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Stopping a stopped task should conflict, got %d", w.Code)
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/tasks/"+created.ID+"/restart", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Restart failed: %d %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if done, _ := s.scheduler.Wait(ctx, created.ID); done.State != task.StateCompleted {
		t.Fatalf("Expected completed after restart, got %s", done.State)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/tasks", nil)
	var tasks []task.Task
	json.NewDecoder(w.Body).Decode(&tasks)
	if len(tasks) != 1 {
		t.Errorf("Expected 1 task, got %d", len(tasks))
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/tasks/clear", nil)
	var cleared map[string]int
	json.NewDecoder(w.Body).Decode(&cleared)
	if cleared["removed"] != 1 {
		t.Errorf("Expected 1 removed task, got %v", cleared)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Cleared task should be gone, got %d", w.Code)
	}
}

func TestServer_RemoveTask(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"root": t.TempDir(), "start": false})
	created := decodeTask(t, w)

	if w := doRequest(t, s, http.MethodDelete, "/api/v1/tasks/"+created.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodDelete, "/api/v1/tasks/"+created.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for removed task, got %d", w.Code)
	}
}

func TestServer_AppendRecordsAndStats(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})

	rec := store.AnalysisRecord{
		Timestamp:       time.Now(),
		FileName:        "report.pdf",
		SourcePath:      "/lib/docs/report.pdf",
		Summary:         "quarterly report",
		FinalTargetPath: "/lib/docs/report.pdf",
	}

	w := doRequest(t, s, http.MethodPost, "/api/v1/records", map[string]any{"records": []store.AnalysisRecord{rec}})
	if w.Code != http.StatusOK {
		t.Fatalf("Append failed: %d %s", w.Code, w.Body.String())
	}
	var results []store.AppendResult
	json.NewDecoder(w.Body).Decode(&results)
	if len(results) != 1 || results[0].Status != store.StatusNew {
		t.Fatalf("Unexpected results: %+v", results)
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/records", map[string]any{"records": []store.AnalysisRecord{rec}})
	json.NewDecoder(w.Body).Decode(&results)
	if results[0].Status != store.StatusSkippedDuplicate {
		t.Errorf("Expected SkippedDuplicate, got %s", results[0].Status)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Stats failed: %d", w.Code)
	}
	var stats statsResponse
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Store == nil || stats.Store.TotalEntries != 1 {
		t.Errorf("Expected 1 stored entry, got %+v", stats.Store)
	}
}

func TestServer_AppendRecordsRejectsInvalid(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})

	if w := doRequest(t, s, http.MethodPost, "/api/v1/records", map[string]any{"records": []any{}}); w.Code != http.StatusBadRequest {
		t.Errorf("Empty batch should be rejected, got %d", w.Code)
	}

	bad := []store.AnalysisRecord{{SourcePath: "/x/a.txt"}}
	if w := doRequest(t, s, http.MethodPost, "/api/v1/records", map[string]any{"records": bad}); w.Code != http.StatusBadRequest {
		t.Errorf("Record without file name should be rejected, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})

	w := doRequest(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("Metrics output should include the default collectors")
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})

	w := doRequest(t, s, http.MethodOptions, "/api/v1/tasks", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestServer_TaskStream(t *testing.T) {
	sum := &stubSummarizer{gate: make(chan struct{})}
	s, _ := setupServer(t, sum)
	root := makeFolder(t, "a.txt", "b.txt")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	w := doRequest(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"root": root})
	created := decodeTask(t, w)

	resp, err := http.Get(ts.URL + "/api/v1/tasks/" + created.ID + "/events")
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Unexpected content type %q", ct)
	}

	close(sum.gate)

	// The stream closes itself after the final event
	var last task.ProgressEvent
	events := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last); err != nil {
			t.Fatalf("Invalid event payload: %v", err)
		}
		events++
	}

	if events < 2 {
		t.Errorf("Expected several events, got %d", events)
	}
	if last.State != task.StateCompleted || last.Processed != 2 {
		t.Errorf("Unexpected final event: %+v", last)
	}
}

func TestServer_TaskStreamUnknownTask(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})

	if w := doRequest(t, s, http.MethodGet, "/api/v1/tasks/nope/events", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestServer_TaskJournal(t *testing.T) {
	s, _ := setupServer(t, &stubSummarizer{})
	root := makeFolder(t, "a.txt", "b.md")

	w := doRequest(t, s, http.MethodPost, "/api/v1/tasks", map[string]any{"root": root})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeTask(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.scheduler.Wait(ctx, created.ID); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/tasks/"+created.ID+"/journal", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []store.JournalEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 journal entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Status != store.StatusNew || !strings.HasPrefix(e.FilePath, root) {
			t.Errorf("Unexpected journal entry %+v", e)
		}
	}

	w = doRequest(t, s, http.MethodGet, "/api/v1/tasks/unknown/journal", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown task, got %d", w.Code)
	}

	if w := doRequest(t, s, http.MethodDelete, "/api/v1/tasks/"+created.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodGet, "/api/v1/tasks/"+created.ID+"/journal", nil); w.Code != http.StatusNotFound {
		t.Errorf("Removed task should have no journal, got %d", w.Code)
	}
}
