package task

import (
	"log/slog"
	"sync"
	"time"
)

// ProgressEvent is a snapshot of a task's progress sent to subscribers.
type ProgressEvent struct {
	TaskID      string    `json:"taskId"`
	State       State     `json:"state"`
	Total       int       `json:"total"`
	Processed   int       `json:"processed"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	PathUpdated int       `json:"pathUpdated"`
	Progress    float64   `json:"progress"`
	CurrentFile string    `json:"currentFile,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventBroadcaster fans progress events out to subscribers per task.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]bool // taskID -> set of client channels
	lastEvent map[string]ProgressEvent               // taskID -> last event for new clients
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]bool),
		lastEvent: make(map[string]ProgressEvent),
	}
}

// Subscribe adds a client to receive events for a task. The last event, if
// any, is delivered immediately.
func (eb *EventBroadcaster) Subscribe(taskID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, 16)

	if eb.clients[taskID] == nil {
		eb.clients[taskID] = make(map[chan ProgressEvent]bool)
	}
	eb.clients[taskID][ch] = true

	if last, ok := eb.lastEvent[taskID]; ok {
		select {
		case ch <- last:
		default:
		}
	}

	slog.Debug("Progress subscriber added", "task_id", taskID, "total_clients", len(eb.clients[taskID]))
	return ch
}

// Unsubscribe removes a client. It is safe to call after CleanupTask.
func (eb *EventBroadcaster) Unsubscribe(taskID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	clients, ok := eb.clients[taskID]
	if !ok || !clients[ch] {
		return
	}
	delete(clients, ch)
	close(ch)

	if len(clients) == 0 {
		delete(eb.clients, taskID)
	}
}

// Broadcast sends an event to all subscribers of its task. Slow subscribers
// miss events rather than block the task.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.TaskID] = event

	for ch := range eb.clients[event.TaskID] {
		select {
		case ch <- event:
		default:
			slog.Warn("Progress channel full, skipping event", "task_id", event.TaskID)
		}
	}
}

// CleanupTask closes all subscriber channels and drops the cached event.
func (eb *EventBroadcaster) CleanupTask(taskID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[taskID] {
		close(ch)
	}
	delete(eb.clients, taskID)
	delete(eb.lastEvent, taskID)
}
