package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cwbudde/tidyscan/internal/task"
	"github.com/go-chi/chi/v5"
)

// ssePingInterval keeps idle event streams open through proxies
var ssePingInterval = 30 * time.Second

// handleTaskStream handles GET /api/v1/tasks/{id}/events. The stream ends when
// the client disconnects, the task is removed, or the task reaches a final
// state.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	t, exists := s.scheduler.GetTask(taskID)
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", taskID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.scheduler.Events()
	eventChan := events.Subscribe(taskID)
	defer events.Unsubscribe(taskID, eventChan)

	// Current state first, so clients never wait for the next file
	initial := task.ProgressEvent{
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
	if err := writeSSEEvent(w, initial); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()
	if t.State.Finished() {
		return
	}

	pingTicker := time.NewTicker(ssePingInterval)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "task_id", taskID)
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.State.Finished() {
				return
			}

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w http.ResponseWriter, event task.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
