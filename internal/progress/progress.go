// Package progress persists per-worker migration checkpoints. Each worker
// owns exactly one progress file; the supervisor and peer workers read the
// files of others but never write them. Files are human-readable JSON and
// survive hard kills: commits are atomic and loading recovers the last
// complete document from a partially written tail.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Status is a worker's lifecycle phase as recorded in its progress file.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusDiscovering  Status = "discovering"
	StatusProcessing   Status = "processing"
	StatusPaused       Status = "paused"
)

// FileStatus describes how a single file terminated.
type FileStatus string

const (
	FileUploaded            FileStatus = "uploaded"
	FileAlreadyPresent      FileStatus = "already_present_remote"
	FileAlreadyPresentLocal FileStatus = "already_present_local"
	FileUnresolvable        FileStatus = "unresolvable"
)

// CompletedFile records the terminal state of one fingerprint.
type CompletedFile struct {
	Path   string     `json:"path"`
	Status FileStatus `json:"status"`
	TS     time.Time  `json:"ts"`
}

// FileError is one entry of the bounded error tail kept for diagnostics.
type FileError struct {
	Path   string    `json:"path"`
	Reason string    `json:"reason"`
	TS     time.Time `json:"ts"`
}

// ArchiveSummary captures the outcome of one processed archive.
type ArchiveSummary struct {
	Status         string     `json:"status"`
	FilesProcessed int        `json:"files_processed"`
	FilesUploaded  int        `json:"files_uploaded"`
	Errors         int        `json:"errors"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// maxErrorTail bounds the error list carried in the progress file.
const maxErrorTail = 100

// WorkerProgress is the durable state of one worker.
type WorkerProgress struct {
	ShardID              int                       `json:"shard_id"`
	ShardCount           int                       `json:"shard_count"`
	PID                  int                       `json:"pid,omitempty"`
	LastProcessedKey     int64                     `json:"last_processed_shard_key"`
	Status               Status                    `json:"status"`
	CompletedFiles       map[string]CompletedFile  `json:"completed_files"`
	LastUploadedAt       *time.Time                `json:"last_uploaded_at,omitempty"`
	LastActivityAt       time.Time                 `json:"last_activity_at"`
	StartedAt            time.Time                 `json:"started_at"`
	TotalUploaded        int64                     `json:"total_uploaded"`
	TotalAlreadyPresent  int64                     `json:"total_already_present"`
	TotalPermanentErrors int64                     `json:"total_permanent_errors"`
	Errors               []FileError               `json:"errors,omitempty"`

	// Archive mode.
	AssignedArchives  []string                  `json:"assigned_archives,omitempty"`
	CompletedArchives []string                  `json:"completed_archives,omitempty"`
	CurrentArchive    string                    `json:"current_archive,omitempty"`
	ArchiveProgress   map[string]ArchiveSummary `json:"archive_progress,omitempty"`
}

// New returns an empty progress record for a shard.
func New(shardID, shardCount int) *WorkerProgress {
	now := time.Now().UTC()
	return &WorkerProgress{
		ShardID:        shardID,
		ShardCount:     shardCount,
		Status:         StatusInitializing,
		CompletedFiles: make(map[string]CompletedFile),
		LastActivityAt: now,
		StartedAt:      now,
	}
}

// MarkCompleted records a fingerprint's terminal state and bumps counters.
func (p *WorkerProgress) MarkCompleted(fpKey, path string, status FileStatus) {
	if p.CompletedFiles == nil {
		p.CompletedFiles = make(map[string]CompletedFile)
	}
	p.CompletedFiles[fpKey] = CompletedFile{Path: path, Status: status, TS: time.Now().UTC()}
	switch status {
	case FileUploaded:
		p.TotalUploaded++
	case FileAlreadyPresent, FileAlreadyPresentLocal:
		p.TotalAlreadyPresent++
	case FileUnresolvable:
		p.TotalPermanentErrors++
	}
}

// RecordError appends to the bounded error tail.
func (p *WorkerProgress) RecordError(path, reason string) {
	p.Errors = append(p.Errors, FileError{Path: path, Reason: reason, TS: time.Now().UTC()})
	if len(p.Errors) > maxErrorTail {
		p.Errors = p.Errors[len(p.Errors)-maxErrorTail:]
	}
}

// TouchActivity updates the activity timestamp; kind "upload" also moves
// the upload timestamp the supervisor watches.
func (p *WorkerProgress) TouchActivity(kind string) {
	now := time.Now().UTC()
	p.LastActivityAt = now
	if kind == "upload" {
		p.LastUploadedAt = &now
	}
}

// HasArchiveCompleted reports whether archive name is in the completed set.
func (p *WorkerProgress) HasArchiveCompleted(name string) bool {
	for _, a := range p.CompletedArchives {
		if a == name {
			return true
		}
	}
	return false
}

// ProcessAlive reports whether the PID recorded in a progress file still
// maps to a live process. Signal 0 probes without delivering.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Store reads and writes progress files in a directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create progress directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the progress file path for a shard.
func (s *Store) Path(shardID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("progress_worker%d.json", shardID))
}

// PauseFlagPath returns the supervisor's pause-flag path for a shard.
func (s *Store) PauseFlagPath(shardID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("worker%d.paused", shardID))
}

// Paused reports whether the supervisor has flagged the shard paused.
func (s *Store) Paused(shardID int) bool {
	_, err := os.Stat(s.PauseFlagPath(shardID))
	return err == nil
}

// SetPaused creates or removes the pause flag. Only the supervisor calls
// this; workers just poll Paused.
func (s *Store) SetPaused(shardID int, paused bool) error {
	path := s.PauseFlagPath(shardID)
	if paused {
		return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
	}
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Load reads the progress file for shardID. A missing file yields a fresh
// record. A corrupt or partially written file yields the last complete JSON
// document found in it, or a fresh record if none can be recovered.
func (s *Store) Load(shardID, shardCount int) (*WorkerProgress, error) {
	data, err := os.ReadFile(s.Path(shardID))
	if os.IsNotExist(err) {
		return New(shardID, shardCount), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress file: %w", err)
	}

	p, ok := decodeRecovering(data)
	if !ok {
		return New(shardID, shardCount), nil
	}
	if p.CompletedFiles == nil {
		p.CompletedFiles = make(map[string]CompletedFile)
	}
	if p.ShardCount == 0 {
		p.ShardCount = shardCount
	}
	return p, nil
}

// LoadAll reads every progress file in the directory, skipping unreadable
// ones. Used by the supervisor and by peer-cache snapshots.
func (s *Store) LoadAll() (map[int]*WorkerProgress, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "progress_worker*.json"))
	if err != nil {
		return nil, err
	}
	all := make(map[int]*WorkerProgress, len(matches))
	for _, m := range matches {
		var shardID int
		if _, err := fmt.Sscanf(filepath.Base(m), "progress_worker%d.json", &shardID); err != nil {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		if p, ok := decodeRecovering(data); ok {
			all[shardID] = p
		}
	}
	return all, nil
}

// decodeRecovering parses data as a WorkerProgress, falling back to the
// last complete top-level JSON object when the tail is garbage (a crash
// mid-write, or multiple concatenated documents from older versions).
func decodeRecovering(data []byte) (*WorkerProgress, bool) {
	var p WorkerProgress
	if err := json.Unmarshal(data, &p); err == nil {
		return &p, true
	}

	// Scan backwards for a closing brace whose matching opener starts a
	// parseable document.
	for end := len(data) - 1; end >= 0; end-- {
		if data[end] != '}' {
			continue
		}
		depth := 0
		for start := end; start >= 0; start-- {
			switch data[start] {
			case '}':
				depth++
			case '{':
				depth--
			}
			if depth == 0 {
				var cand WorkerProgress
				if err := json.Unmarshal(data[start:end+1], &cand); err == nil {
					return &cand, true
				}
				break
			}
		}
	}
	return nil, false
}

// Commit durably writes p to its shard's file: temp sibling, fsync, rename.
// If the rename fails a direct write is attempted as a last resort and the
// degradation is reported via the returned flag.
func (s *Store) Commit(p *WorkerProgress) (degraded bool, err error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to marshal progress: %w", err)
	}
	data = append(data, '\n')

	target := s.Path(p.ShardID)
	tmp := target + ".tmp"

	if err := writeFsync(tmp, data); err != nil {
		return false, fmt.Errorf("failed to write progress temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		// Last resort: direct write. Not atomic, but the loader recovers
		// partial tails.
		if werr := os.WriteFile(target, data, 0o644); werr != nil {
			return true, fmt.Errorf("progress rename and direct write both failed: %w", werr)
		}
		return true, nil
	}
	return false, nil
}

func writeFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
