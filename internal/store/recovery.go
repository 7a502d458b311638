package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	backupInfix      = ".backup_"
	corruptInfix     = ".corrupt_"
	backupTimeLayout = "20060102_150405"

	// An empty store is "[]"; anything shorter is a truncated write.
	minValidSize = 2
)

var utf8BOM = []byte("\xef\xbb\xbf")

// errNoValidBackup is returned by RestoreFromBackup when no backup passes validation.
var errNoValidBackup = errors.New("no valid backup found")

// decodeRecords runs the structural validation shared by Load and backup recovery
// and returns the decoded records.
func decodeRecords(data []byte) ([]AnalysisRecord, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
	if len(trimmed) < minValidSize {
		return nil, fmt.Errorf("file too small (%d bytes)", len(trimmed))
	}
	if trimmed[0] != '[' || trimmed[len(trimmed)-1] != ']' {
		return nil, fmt.Errorf("missing array brackets")
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("not a JSON array: %w", err)
	}

	records := make([]AnalysisRecord, 0, len(raw))
	for i, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, fmt.Errorf("entry %d is not an object", i)
		}

		var rec AnalysisRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		records = append(records, rec)
	}

	return records, nil
}

// encodeRecords renders records in the persisted format.
func encodeRecords(records []AnalysisRecord) ([]byte, error) {
	if records == nil {
		records = []AnalysisRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ValidateFile reads path and runs structural validation on it.
func ValidateFile(path string) ([]AnalysisRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

type fileSample struct {
	exists  bool
	size    int64
	modTime time.Time
}

func sampleFile(path string) (fileSample, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fileSample{}, nil
	}
	if err != nil {
		return fileSample{}, err
	}
	return fileSample{exists: true, size: info.Size(), modTime: info.ModTime()}, nil
}

func (s fileSample) equal(o fileSample) bool {
	return s.exists == o.exists && s.size == o.size && s.modTime.Equal(o.modTime)
}

// StabilityProbe samples the size and modification time of path `samples` times,
// `interval` apart. The file is stable only if every sample matches the first.
func StabilityProbe(ctx context.Context, path string, samples int, interval time.Duration) (bool, error) {
	if samples < 2 {
		samples = 2
	}

	first, err := sampleFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat store file: %w", err)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for i := 1; i < samples; i++ {
		if i > 1 {
			timer.Reset(interval)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}

		next, err := sampleFile(path)
		if err != nil {
			return false, fmt.Errorf("failed to stat store file: %w", err)
		}
		if !next.equal(first) {
			slog.Debug("Stability probe detected change", "path", path,
				"size_before", first.size, "size_after", next.size)
			return false, nil
		}
	}

	return true, nil
}

// BackupInfo describes one backup file next to the store.
type BackupInfo struct {
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`

	// seq orders copies taken within the same second
	seq int
}

// BackupPath returns the backup file name for storePath at time t.
func BackupPath(storePath string, t time.Time) string {
	return storePath + backupInfix + t.Format(backupTimeLayout)
}

// ListBackups returns the backups of storePath, newest first.
func ListBackups(storePath string) ([]BackupInfo, error) {
	return listCopies(storePath, backupInfix)
}

// ListCorruptCopies returns the preserved invalid primaries of storePath,
// newest first.
func ListCorruptCopies(storePath string) ([]BackupInfo, error) {
	return listCopies(storePath, corruptInfix)
}

// parseCopySuffix splits "20060102_150405" or "20060102_150405_N" into its
// timestamp and sequence number.
func parseCopySuffix(suffix string) (time.Time, int, bool) {
	stamp, seq := suffix, 0
	if len(suffix) > len(backupTimeLayout) {
		stamp = suffix[:len(backupTimeLayout)]
		rest := suffix[len(backupTimeLayout):]
		n, err := strconv.Atoi(strings.TrimPrefix(rest, "_"))
		if !strings.HasPrefix(rest, "_") || err != nil || n < 1 {
			return time.Time{}, 0, false
		}
		seq = n
	}

	ts, err := time.ParseInLocation(backupTimeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	return ts, seq, true
}

func listCopies(storePath, infix string) ([]BackupInfo, error) {
	dir := filepath.Dir(storePath)
	prefix := filepath.Base(storePath) + infix

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []BackupInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	infos := []BackupInfo{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}

		ts, seq, ok := parseCopySuffix(strings.TrimPrefix(name, prefix))
		if !ok {
			continue // Not our naming convention
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		infos = append(infos, BackupInfo{
			Path:      filepath.Join(dir, name),
			Name:      name,
			Timestamp: ts,
			Size:      info.Size(),
			seq:       seq,
		})
	}

	sortNewestFirst(infos)
	return infos, nil
}

func sortNewestFirst(infos []BackupInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Timestamp.Equal(infos[j].Timestamp) {
			return infos[i].seq > infos[j].seq
		}
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
}

// writeCopy stores data as a copy of storePath under infix, named after now.
// When a copy with that name already exists with the same content nothing is
// written; with different content a "_N" suffix is added. Returns the path of
// the copy holding data and whether a new file was written.
func writeCopy(storePath, infix string, data []byte, now time.Time) (string, bool, error) {
	base := storePath + infix + now.Format(backupTimeLayout)
	for seq := 0; seq < 1000; seq++ {
		dst := base
		if seq > 0 {
			dst = fmt.Sprintf("%s_%d", base, seq)
		}

		existing, err := os.ReadFile(dst)
		if os.IsNotExist(err) {
			if err := writeFileAtomic(dst, data); err != nil {
				return "", false, err
			}
			return dst, true, nil
		}
		if err != nil {
			return "", false, err
		}
		if bytes.Equal(existing, data) {
			return dst, false, nil
		}
	}
	return "", false, fmt.Errorf("too many copies of %s at %s", filepath.Base(storePath), now.Format(backupTimeLayout))
}

// RestoreFromBackup returns the records of the newest backup that passes
// structural validation, together with its path.
func RestoreFromBackup(storePath string) ([]AnalysisRecord, string, error) {
	backups, err := ListBackups(storePath)
	if err != nil {
		return nil, "", err
	}

	for _, b := range backups {
		records, err := ValidateFile(b.Path)
		if err != nil {
			slog.Warn("Skipping invalid backup", "path", b.Path, "error", err)
			continue
		}
		return records, b.Path, nil
	}

	return nil, "", errNoValidBackup
}

// writeFileAtomic writes data to a temp file in the destination directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	// Clean up temp file on any failure
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// preserveCorrupt keeps a copy of an invalid store file for inspection. A primary
// that was already preserved, i.e. an existing corrupt copy has the same
// content, is not copied again. Returns the copy and whether it was new.
func preserveCorrupt(storePath string, data []byte, now time.Time) (string, bool, error) {
	copies, err := ListCorruptCopies(storePath)
	if err != nil {
		return "", false, err
	}
	for _, c := range copies {
		if c.Size != int64(len(data)) {
			continue
		}
		existing, err := os.ReadFile(c.Path)
		if err == nil && bytes.Equal(existing, data) {
			return c.Path, false, nil
		}
	}
	return writeCopy(storePath, corruptInfix, data, now)
}

// RetentionPolicy bounds how many backups are kept.
// Zero values disable the corresponding rule.
type RetentionPolicy struct {
	KeepLast int
	MaxAge   time.Duration
}

// Enabled reports whether any rule is active.
func (p RetentionPolicy) Enabled() bool {
	return p.KeepLast > 0 || p.MaxAge > 0
}

// SelectBackupsForDeletion determines which backups fall outside the policy.
// The newest backup is never selected by the age rule alone, so a store always
// keeps at least one restore point.
func SelectBackupsForDeletion(infos []BackupInfo, policy RetentionPolicy, now time.Time) []BackupInfo {
	if len(infos) == 0 || !policy.Enabled() {
		return nil
	}

	sorted := make([]BackupInfo, len(infos))
	copy(sorted, infos)
	sortNewestFirst(sorted)

	var toDelete []BackupInfo
	for i, info := range sorted {
		if policy.KeepLast > 0 && i >= policy.KeepLast {
			toDelete = append(toDelete, info)
			continue
		}
		if policy.MaxAge > 0 && i > 0 && now.Sub(info.Timestamp) > policy.MaxAge {
			toDelete = append(toDelete, info)
		}
	}

	return toDelete
}

// PruneBackups deletes the backups and the preserved corrupt copies of
// storePath that fall outside policy and returns the ones that were removed.
// The two kinds are counted separately, so corrupt copies never push a backup
// out of the policy.
func PruneBackups(storePath string, policy RetentionPolicy, now time.Time) ([]BackupInfo, error) {
	backups, err := ListBackups(storePath)
	if err != nil {
		return nil, err
	}
	corrupt, err := ListCorruptCopies(storePath)
	if err != nil {
		return nil, err
	}

	toDelete := SelectBackupsForDeletion(backups, policy, now)
	toDelete = append(toDelete, SelectBackupsForDeletion(corrupt, policy, now)...)

	var removed []BackupInfo
	for _, info := range toDelete {
		if err := os.Remove(info.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to delete backup", "path", info.Path, "error", err)
			continue
		}
		removed = append(removed, info)
	}

	if len(removed) > 0 {
		backupsPrunedTotal.Add(float64(len(removed)))
		slog.Debug("Pruned backups", "path", storePath, "count", len(removed))
	}
	return removed, nil
}
