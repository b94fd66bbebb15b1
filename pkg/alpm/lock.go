package alpm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultLockPath is the pacman database lock file.
const DefaultLockPath = "/var/lib/pacman/db.lck"

// DefaultHolders are process names that take the database lock. Frontend
// daemons such as pamac-daemon and packagekitd stay resident while idle and
// are not holders.
var DefaultHolders = []string{"pacman"}

// DBLock inspects the package database lock. The check for a live holder and
// the removal are two steps; a package manager starting in between is not
// detected.
type DBLock struct {
	Path    string
	ProcDir string
	Holders []string
	// Self is excluded from the holder scan.
	Self int
}

// NewDBLock returns the lock at the default path.
func NewDBLock() *DBLock {
	return &DBLock{
		Path:    DefaultLockPath,
		ProcDir: "/proc",
		Holders: DefaultHolders,
		Self:    os.Getpid(),
	}
}

// Present reports whether the lock file exists.
func (l *DBLock) Present() (bool, error) {
	_, err := os.Lstat(l.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat lock file: %w", err)
}

// HolderAlive reports whether a known package manager process is running.
func (l *DBLock) HolderAlive(ctx context.Context) (bool, error) {
	entries, err := os.ReadDir(l.ProcDir)
	if err != nil {
		return false, fmt.Errorf("failed to scan processes: %w", err)
	}

	holders := make(map[string]bool, len(l.Holders))
	for _, h := range l.Holders {
		holders[h] = true
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == l.Self {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(l.ProcDir, e.Name(), "comm"))
		if err != nil {
			// The process exited during the scan.
			continue
		}
		if holders[strings.TrimSpace(string(comm))] {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes the lock file. A missing file is not an error.
func (l *DBLock) Remove() error {
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
