package db

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrRestartRequired is returned when the engine failed to open the file in
	// this process. Retrying in-process can hang, so the caller must restart.
	ErrRestartRequired = errors.New("database open failed; restart the process")

	// ErrLocked is returned when another process holds the database.
	ErrLocked = errors.New("database is locked by another process")
)

const backupTimeLayout = "20060102_150405"

// failedOpens records paths whose open failed in this process.
var failedOpens sync.Map

func openFailed(path string) bool {
	_, ok := failedOpens.Load(absPath(path))
	return ok
}

func markOpenFailed(path string) { failedOpens.Store(absPath(path), struct{}{}) }

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// WALPath returns the write-ahead log DuckDB keeps next to the database file.
func WALPath(path string) string { return path + ".wal" }

// TempPath returns the temporary spill location DuckDB uses for the database file.
func TempPath(path string) string { return path + ".tmp" }

func acquireLock(path string) (*flock.Flock, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return lock, nil
}

func (s *Store) unlock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		s.log.Warn("release database lock failed", slog.Any("err", err))
	}
	s.lock = nil
}

// prepareFiles moves a leftover WAL out of the way and removes temporary
// files. It must run before the engine touches the database file.
func prepareFiles(path string, log *slog.Logger) error {
	backup, err := relocateWAL(path, time.Now())
	if err != nil {
		return err
	}
	if backup != "" {
		log.Warn("found leftover WAL from unclean shutdown; moved aside",
			slog.String("wal", WALPath(path)), slog.String("backup", backup))
	}
	removed, err := removeTemp(path)
	if err != nil {
		return err
	}
	if removed {
		log.Info("removed leftover temporary file", slog.String("path", TempPath(path)))
	}
	return nil
}

// relocateWAL renames <path>.wal to <path>.wal.backup.<timestamp> and returns
// the new name, or "" when there was no WAL.
func relocateWAL(path string, now time.Time) (string, error) {
	wal := WALPath(path)
	if _, err := os.Stat(wal); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("stat wal: %w", err)
	}
	base := wal + ".backup." + now.Format(backupTimeLayout)
	backup := base
	for i := 1; ; i++ {
		if _, err := os.Stat(backup); errors.Is(err, os.ErrNotExist) {
			break
		}
		backup = fmt.Sprintf("%s_%d", base, i)
	}
	if err := os.Rename(wal, backup); err != nil {
		return "", fmt.Errorf("relocate wal: %w", err)
	}
	return backup, nil
}

func removeTemp(path string) (bool, error) {
	tmp := TempPath(path)
	if _, err := os.Stat(tmp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat temp: %w", err)
	}
	if err := os.RemoveAll(tmp); err != nil {
		return false, fmt.Errorf("remove temp: %w", err)
	}
	return true, nil
}

// classifyOpenError maps WAL replay failures to ErrRestartRequired.
func classifyOpenError(path string, err error) error {
	if isWALError(err) {
		return fmt.Errorf("open %s: %w: %v", displayPath(path), ErrRestartRequired, err)
	}
	return fmt.Errorf("open %s: %w", displayPath(path), err)
}

func isWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "wal") || strings.Contains(msg, "replaying")
}
