// Package home defines the bookherd home directory layout: progress files,
// archive staging, worker logs, patch backups and the supervisor's fix
// history all live under one root.
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const (
	// DefaultDirName is the default name for the bookherd home directory.
	DefaultDirName = ".bookherd"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the bookherd home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.bookherd).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}
	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// ProgressDir returns the directory holding per-worker progress files.
func (d *Dir) ProgressDir() string {
	return filepath.Join(d.path, "progress")
}

// StagingDir returns the archive extraction staging directory.
func (d *Dir) StagingDir() string {
	return filepath.Join(d.path, "staging")
}

// LogsDir returns the directory holding per-worker log files.
func (d *Dir) LogsDir() string {
	return filepath.Join(d.path, "logs")
}

// WorkerLogPath returns the log file for a shard.
func (d *Dir) WorkerLogPath(shardID int) string {
	return filepath.Join(d.LogsDir(), fmt.Sprintf("worker%d.log", shardID))
}

// BackupsDir returns the directory holding pre-patch source backups.
func (d *Dir) BackupsDir() string {
	return filepath.Join(d.path, "backups")
}

// FixHistoryPath returns the supervisor's fix-history file.
func (d *Dir) FixHistoryPath() string {
	return filepath.Join(d.path, "fix_history.json")
}

// EnsureExists creates the home directory tree if it doesn't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.ProgressDir(), d.StagingDir(), d.LogsDir(), d.BackupsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// MinStagingFree is the free-space floor below which archive extraction
// refuses to start.
const MinStagingFree = 10 << 30

// CheckStagingSpace fails fast when the staging filesystem has less than
// MinStagingFree bytes available.
func (d *Dir) CheckStagingSpace() error {
	free, err := FreeSpace(d.StagingDir())
	if err != nil {
		return err
	}
	if free < MinStagingFree {
		return fmt.Errorf("staging directory has %d bytes free, need at least %d", free, MinStagingFree)
	}
	return nil
}

// FreeSpace returns the available bytes on the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
