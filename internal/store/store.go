package store

import (
	"context"
	"errors"
	"fmt"
)

// Appender is the mutation surface of a result store. Everything that persists an
// analysis result goes through it: scan tasks, maintenance commands and the HTTP
// records endpoint.
//
// Error handling conventions:
//   - Return *ConcurrentWriteError or *LockTimeoutError for transient conditions;
//     callers may retry (see IsRetryable)
//   - Return *CorruptionError when the store is unreadable and no backup could be used
//   - Return *SaveError when the atomic write failed; the store file is untouched
//   - Never report an unreadable store as an empty one
type Appender interface {
	// AppendRecord merges one record into the store under the store lock and
	// reports the status that was assigned to it.
	AppendRecord(ctx context.Context, rec AnalysisRecord, opts AppendOptions) (*AppendResult, error)

	// Classify reports what AppendRecord would decide for a file right now,
	// without taking the lock or writing anything.
	Classify(ctx context.Context, fileName, sourcePath string) (ProcessingStatus, *AnalysisRecord, error)
}

var (
	// ErrConcurrentWrite matches any *ConcurrentWriteError via errors.Is.
	ErrConcurrentWrite = &ConcurrentWriteError{}
	// ErrCorruption matches any *CorruptionError via errors.Is.
	ErrCorruption = &CorruptionError{}
	// ErrSave matches any *SaveError via errors.Is.
	ErrSave = &SaveError{}
	// ErrLockTimeout matches any *LockTimeoutError via errors.Is.
	ErrLockTimeout = &LockTimeoutError{}
)

// ConcurrentWriteError is returned by Load when the store file is changing under
// the stability probe. The read must be retried later.
type ConcurrentWriteError struct {
	Path string
}

func (e *ConcurrentWriteError) Error() string {
	if e.Path != "" {
		return "store is being written: " + e.Path
	}
	return "store is being written"
}

func (e *ConcurrentWriteError) Is(target error) bool {
	_, ok := target.(*ConcurrentWriteError)
	return ok
}

// CorruptionError is returned when the store file fails structural validation and
// no valid backup exists. The file is left in place for manual inspection.
type CorruptionError struct {
	Path   string
	Reason string
	cause  error
}

func (e *CorruptionError) Error() string {
	msg := "store is corrupt"
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.cause }

func (e *CorruptionError) Is(target error) bool {
	_, ok := target.(*CorruptionError)
	return ok
}

// SaveError is returned when an atomic write fails. The destination file is never
// modified when this error is returned.
type SaveError struct {
	Path  string
	Op    string
	cause error
}

func (e *SaveError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("save %s failed at %s: %v", e.Path, e.Op, e.cause)
	}
	return "save failed"
}

func (e *SaveError) Unwrap() error { return e.cause }

func (e *SaveError) Is(target error) bool {
	_, ok := target.(*SaveError)
	return ok
}

// LockTimeoutError is returned when the store lock could not be acquired in time.
type LockTimeoutError struct {
	Path  string
	cause error
}

func (e *LockTimeoutError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("timed out acquiring store lock %s: %v", e.Path, e.cause)
	}
	return "timed out acquiring store lock"
}

func (e *LockTimeoutError) Unwrap() error { return e.cause }

func (e *LockTimeoutError) Is(target error) bool {
	_, ok := target.(*LockTimeoutError)
	return ok
}

// IsRetryable reports whether err is a transient store condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentWrite) || errors.Is(err, ErrLockTimeout)
}
