package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any *NotFoundError via errors.Is.
	ErrNotFound = &NotFoundError{}

	// ErrTaskActive is returned by CreateTask when a pending or running task
	// already owns the same root folder.
	ErrTaskActive = errors.New("a task is already active for this folder")

	// ErrInvalidState is returned when an operation is not allowed in the
	// task's current state.
	ErrInvalidState = errors.New("invalid task state")

	// ErrJournalDisabled is returned by Journal when the scheduler keeps no
	// journals.
	ErrJournalDisabled = errors.New("task journals are disabled")

	// ErrSummarization matches any *SummarizationError via errors.Is.
	ErrSummarization = &SummarizationError{}
)

// NotFoundError is returned when a task ID is unknown.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	if e.TaskID != "" {
		return "task not found: " + e.TaskID
	}
	return "task not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// SummarizationError reports that the summarizer could not handle one file.
// It fails that file only; the task moves on.
type SummarizationError struct {
	Path   string
	Reason string
	cause  error
}

func (e *SummarizationError) Error() string {
	switch {
	case e.cause != nil:
		return fmt.Sprintf("summarize %s: %v", e.Path, e.cause)
	case e.Reason != "":
		return fmt.Sprintf("summarize %s: %s", e.Path, e.Reason)
	}
	return "summarization failed"
}

func (e *SummarizationError) Unwrap() error { return e.cause }

func (e *SummarizationError) Is(target error) bool {
	_, ok := target.(*SummarizationError)
	return ok
}

func stateError(id string, state State, op string) error {
	return fmt.Errorf("%w: cannot %s task %s while %s", ErrInvalidState, op, id, state)
}
