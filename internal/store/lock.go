package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long AppendRecord waits for the store lock.
const DefaultLockTimeout = 30 * time.Second

const (
	minLockBackoff = 100 * time.Millisecond
	maxLockBackoff = 2 * time.Second
)

// errWouldBlock is returned by tryLockFile when another process holds the lock.
var errWouldBlock = errors.New("lock held by another process")

// LockManager hands out one mutex per store path. Locks are created lazily and
// never removed. Construct one manager and share it between every store and
// task in the process.
//
// Each acquisition also takes an advisory OS lock on "<path>.lock" so that other
// processes using the same store are serialized as well.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	timeout time.Duration
}

// NewLockManager creates a manager whose acquisitions give up after timeout.
// A non-positive timeout uses DefaultLockTimeout.
func NewLockManager(timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &LockManager{
		locks:   make(map[string]chan struct{}),
		timeout: timeout,
	}
}

// Timeout returns the acquisition timeout.
func (lm *LockManager) Timeout() time.Duration {
	return lm.timeout
}

// slot returns the mutex channel for key, creating it on first use.
func (lm *LockManager) slot(key string) chan struct{} {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	ch, ok := lm.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		lm.locks[key] = ch
	}
	return ch
}

func lockKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}

// Acquire blocks until the lock for path is held, the timeout elapses or ctx is
// done. The returned release function must be called exactly once.
func (lm *LockManager) Acquire(ctx context.Context, path string) (func(), error) {
	key := lockKey(path)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, lm.timeout)
	defer cancel()

	slot := lm.slot(key)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, &LockTimeoutError{Path: path, cause: ctx.Err()}
	}

	file, err := acquireFileLock(ctx, key+".lock")
	if err != nil {
		<-slot
		return nil, err
	}

	lockWaitSeconds.Observe(time.Since(start).Seconds())

	var once sync.Once
	release := func() {
		once.Do(func() {
			releaseFileLock(file)
			<-slot
		})
	}
	return release, nil
}

// acquireFileLock opens the lock file and takes an exclusive advisory lock on it,
// polling with exponential backoff until ctx is done.
func acquireFileLock(ctx context.Context, lockPath string) (*os.File, error) {
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = tryLockFile(file)
	if err == nil {
		return file, nil
	}
	if !errors.Is(err, errWouldBlock) {
		file.Close()
		return nil, fmt.Errorf("lock file: %w", err)
	}

	backoff := minLockBackoff
	for {
		select {
		case <-ctx.Done():
			file.Close()
			return nil, &LockTimeoutError{Path: lockPath, cause: ctx.Err()}
		case <-time.After(backoff):
			err = tryLockFile(file)
			if err == nil {
				return file, nil
			}
			if !errors.Is(err, errWouldBlock) {
				file.Close()
				return nil, fmt.Errorf("lock file: %w", err)
			}
			backoff *= 2
			if backoff > maxLockBackoff {
				backoff = maxLockBackoff
			}
		}
	}
}

func releaseFileLock(file *os.File) {
	if file == nil {
		return
	}
	if err := unlockFile(file); err != nil {
		slog.Warn("Failed to release store file lock", "path", file.Name(), "error", err)
	}
	file.Close()
}
