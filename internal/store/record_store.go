package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default stability probe settings.
const (
	DefaultProbeSamples  = 3
	DefaultProbeInterval = 50 * time.Millisecond
)

// Options configures a RecordStore.
type Options struct {
	// LockManager serializes transactions on the store path. Share one manager
	// between every store and task of the process. A private manager is created
	// when nil.
	LockManager *LockManager

	ProbeSamples  int
	ProbeInterval time.Duration

	// Retention is applied to the backups after each successful save.
	Retention RetentionPolicy
}

// RecordStore is the single-file result store.
//
// Reads are lock-free and guarded by the stability probe. Every mutation runs as
// one lock + load + merge + save transaction, and every save is preceded by a
// backup of the current primary file.
type RecordStore struct {
	path          string
	locks         *LockManager
	probeSamples  int
	probeInterval time.Duration
	retention     RetentionPolicy
	now           func() time.Time
}

// NewRecordStore opens the store at path. The file itself does not need to exist;
// its directory is created if missing.
func NewRecordStore(path string, opts Options) (*RecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	if opts.LockManager == nil {
		opts.LockManager = NewLockManager(DefaultLockTimeout)
	}
	if opts.ProbeSamples <= 0 {
		opts.ProbeSamples = DefaultProbeSamples
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}

	return &RecordStore{
		path:          abs,
		locks:         opts.LockManager,
		probeSamples:  opts.ProbeSamples,
		probeInterval: opts.ProbeInterval,
		retention:     opts.Retention,
		now:           time.Now,
	}, nil
}

// Path returns the absolute path of the store file.
func (s *RecordStore) Path() string {
	return s.path
}

// Retention returns the backup retention policy of the store.
func (s *RecordStore) Retention() RetentionPolicy {
	return s.retention
}

// Load reads the current store contents.
//
// A missing file yields an empty snapshot. A file that changes during the
// stability probe yields *ConcurrentWriteError. A structurally invalid file is
// copied aside and the newest valid backup is returned instead; when no backup
// is usable Load fails with *CorruptionError. Load never modifies the primary file.
func (s *RecordStore) Load(ctx context.Context) (*Snapshot, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		loadTotal.WithLabelValues("missing").Inc()
		return &Snapshot{Records: []AnalysisRecord{}}, nil
	} else if err != nil {
		loadTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to stat store file: %w", err)
	}

	stable, err := StabilityProbe(ctx, s.path, s.probeSamples, s.probeInterval)
	if err != nil {
		loadTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !stable {
		loadTotal.WithLabelValues("unstable").Inc()
		return nil, &ConcurrentWriteError{Path: s.path}
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		// Removed between the probe and the read
		loadTotal.WithLabelValues("unstable").Inc()
		return nil, &ConcurrentWriteError{Path: s.path}
	} else if err != nil {
		loadTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read store file: %w", err)
	}

	records, verr := decodeRecords(data)
	if verr == nil {
		loadTotal.WithLabelValues("ok").Inc()
		slog.Debug("Store loaded", "path", s.path, "records", len(records))
		return &Snapshot{Records: records}, nil
	}

	slog.Warn("Store file failed validation", "path", s.path, "error", verr)

	if kept, created, err := preserveCorrupt(s.path, data, s.now()); err != nil {
		slog.Warn("Failed to preserve corrupt store file", "path", s.path, "error", err)
	} else if created {
		slog.Info("Preserved corrupt store file", "path", kept)
	}

	recovered, backup, err := RestoreFromBackup(s.path)
	if err != nil {
		loadTotal.WithLabelValues("corrupt").Inc()
		if !errors.Is(err, errNoValidBackup) {
			slog.Warn("Backup recovery failed", "path", s.path, "error", err)
		}
		return nil, &CorruptionError{Path: s.path, Reason: verr.Error(), cause: err}
	}

	loadTotal.WithLabelValues("recovered").Inc()
	slog.Warn("Store recovered from backup", "path", s.path, "backup", backup, "records", len(recovered))
	return &Snapshot{Records: recovered, RecoveredFrom: backup}, nil
}

// Save replaces the store contents with records under the store lock.
func (s *RecordStore) Save(ctx context.Context, records []AnalysisRecord) error {
	release, err := s.locks.Acquire(ctx, s.path)
	if err != nil {
		return err
	}
	defer release()

	return s.save(records)
}

// save backs up the current primary, writes records atomically and applies the
// retention policy. The caller holds the lock. On error the primary is untouched.
func (s *RecordStore) save(records []AnalysisRecord) error {
	start := time.Now()
	status := "ok"
	defer func() {
		saveDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	for i := range records {
		if err := records[i].Validate(); err != nil {
			status = "error"
			return &SaveError{Path: s.path, Op: "validate", cause: fmt.Errorf("record %d: %w", i, err)}
		}
	}

	data, err := encodeRecords(records)
	if err != nil {
		status = "error"
		return &SaveError{Path: s.path, Op: "encode", cause: err}
	}

	if err := s.backupPrimary(); err != nil {
		status = "error"
		return &SaveError{Path: s.path, Op: "backup", cause: err}
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		status = "error"
		return &SaveError{Path: s.path, Op: "write", cause: err}
	}
	syncDir(filepath.Dir(s.path))

	slog.Debug("Store saved", "path", s.path, "records", len(records), "bytes", len(data))

	if s.retention.Enabled() {
		if _, err := PruneBackups(s.path, s.retention, s.now()); err != nil {
			slog.Warn("Backup pruning failed", "path", s.path, "error", err)
		}
	}
	return nil
}

// backupPrimary copies the current primary aside before it is replaced. A valid
// primary becomes a timestamped backup; an invalid one is preserved as corrupt so
// it can never be picked up by recovery.
func (s *RecordStore) backupPrimary() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	now := s.now()
	if _, verr := decodeRecords(data); verr != nil {
		_, _, err := preserveCorrupt(s.path, data, now)
		return err
	}

	dst, created, err := writeCopy(s.path, backupInfix, data, now)
	if err != nil {
		return err
	}
	if created {
		slog.Debug("Store backup created", "path", dst)
	}
	return nil
}

// syncDir flushes directory metadata after a rename. Not every platform supports
// it, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// AppendRecord merges rec into the store as one locked transaction.
//
//   - same file name and same resolved path: SkippedDuplicate, nothing written
//   - same file name, different path: the stored summary and tags are kept, the
//     paths and timestamp are updated in place: PathUpdated
//   - no match: appended as New
//   - opts.Force: rec replaces the first record with the same file name, or is
//     appended: New
func (s *RecordStore) AppendRecord(ctx context.Context, rec AnalysisRecord, opts AppendOptions) (*AppendResult, error) {
	results, err := s.AppendRecords(ctx, []AnalysisRecord{rec}, opts)
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// AppendRecords applies the AppendRecord policy to each record in order inside a
// single transaction and saves once.
func (s *RecordStore) AppendRecords(ctx context.Context, recs []AnalysisRecord, opts AppendOptions) ([]AppendResult, error) {
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}

	var results []AppendResult
	err := s.transact(ctx, func(snap *Snapshot) ([]AnalysisRecord, bool, error) {
		records := snap.Records
		results = make([]AppendResult, 0, len(recs))
		changed := false
		now := s.now()

		for _, rec := range recs {
			var res AppendResult
			var mutated bool
			records, res, mutated = mergeRecord(records, rec, opts, now)
			res.RecoveredFrom = snap.RecoveredFrom
			results = append(results, res)
			changed = changed || mutated
		}
		return records, changed, nil
	})
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		appendTotal.WithLabelValues(string(res.Status)).Inc()
		slog.Debug("Record appended", "path", s.path, "file_name", res.Record.FileName, "status", res.Status)
	}
	return results, nil
}

// UpdateFunc receives the current records and returns the records to store and
// whether they differ from the input. Returning an error aborts the update.
type UpdateFunc func(records []AnalysisRecord) ([]AnalysisRecord, bool, error)

// Update runs fn on the records current under the lock and saves its result, as
// one transaction. Nothing is written when fn reports no change. Returns whether
// the store was saved.
func (s *RecordStore) Update(ctx context.Context, fn UpdateFunc) (bool, error) {
	saved := false
	err := s.transact(ctx, func(snap *Snapshot) ([]AnalysisRecord, bool, error) {
		records, changed, err := fn(snap.Records)
		saved = changed && err == nil
		return records, changed, err
	})
	if err != nil {
		return false, err
	}
	return saved, nil
}

// transact holds the store lock around load, fn and, when fn reports a change,
// save.
func (s *RecordStore) transact(ctx context.Context, fn func(snap *Snapshot) ([]AnalysisRecord, bool, error)) error {
	release, err := s.locks.Acquire(ctx, s.path)
	if err != nil {
		return err
	}
	defer release()

	snap, err := s.Load(ctx)
	if err != nil {
		return err
	}

	records, changed, err := fn(snap)
	if err != nil || !changed {
		return err
	}
	return s.save(records)
}

// mergeRecord applies the identity policy for one incoming record.
func mergeRecord(records []AnalysisRecord, rec AnalysisRecord, opts AppendOptions, now time.Time) ([]AnalysisRecord, AppendResult, bool) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	nameIdx := -1
	for i := range records {
		if records[i].FileName != rec.FileName {
			continue
		}
		if nameIdx < 0 {
			nameIdx = i
		}
		if !opts.Force && ResolvePath(records[i].SourcePath) == ResolvePath(rec.SourcePath) {
			existing := records[i]
			existing.ProcessingStatus = StatusSkippedDuplicate
			return records, AppendResult{Status: StatusSkippedDuplicate, Record: existing}, false
		}
	}

	if opts.Force || nameIdx < 0 {
		rec.ProcessingStatus = StatusNew
		if nameIdx >= 0 && opts.Force {
			records[nameIdx] = rec
		} else {
			records = append(records, rec)
		}
		return records, AppendResult{Status: StatusNew, Record: rec}, true
	}

	updated := records[nameIdx]
	updated.SourcePath = rec.SourcePath
	updated.FinalTargetPath = rec.FinalTargetPath
	if updated.FinalTargetPath == "" {
		updated.FinalTargetPath = rec.SourcePath
	}
	updated.Timestamp = rec.Timestamp
	updated.ProcessingStatus = StatusPathUpdated
	records[nameIdx] = updated

	return records, AppendResult{Status: StatusPathUpdated, Record: updated}, true
}

// Classify reports the status AppendRecord would assign to a file with this name
// and path, together with the stored record it would match. It takes no lock, so
// the answer is advisory; AppendRecord decides again under the lock.
func (s *RecordStore) Classify(ctx context.Context, fileName, sourcePath string) (ProcessingStatus, *AnalysisRecord, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return "", nil, err
	}

	var byName *AnalysisRecord
	resolved := ResolvePath(sourcePath)
	for i := range snap.Records {
		rec := snap.Records[i]
		if rec.FileName != fileName {
			continue
		}
		if ResolvePath(rec.SourcePath) == resolved {
			return StatusSkippedDuplicate, &rec, nil
		}
		if byName == nil {
			byName = &rec
		}
	}

	if byName != nil {
		return StatusPathUpdated, byName, nil
	}
	return StatusNew, nil, nil
}

// Statistics loads the store and summarizes it.
func (s *RecordStore) Statistics(ctx context.Context) (*Statistics, error) {
	snap, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return ComputeStatistics(snap.Records), nil
}

// RestoreBackup replaces the store contents with the named backup. The current
// primary is backed up first, like any other save. Returns the number of records
// restored.
func (s *RecordStore) RestoreBackup(ctx context.Context, name string) (int, error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, filepath.Base(s.path)+backupInfix) {
		return 0, fmt.Errorf("%s is not a backup of %s", base, filepath.Base(s.path))
	}

	src := filepath.Join(filepath.Dir(s.path), base)
	records, err := ValidateFile(src)
	if err != nil {
		return 0, fmt.Errorf("backup %s is not usable: %w", base, err)
	}

	release, err := s.locks.Acquire(ctx, s.path)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := s.save(records); err != nil {
		return 0, err
	}

	slog.Info("Store restored from backup", "path", s.path, "backup", src, "records", len(records))
	return len(records), nil
}

var _ Appender = (*RecordStore)(nil)
