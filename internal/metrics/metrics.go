// Package metrics tracks per-worker upload throughput. Rates are derived
// from a sliding window of upload timestamps and reported through the
// worker's structured log; nothing here is persisted.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// emitEvery is how many new uploads pass between rate reports.
	emitEvery = 100

	// SlowUploadThreshold flags individual uploads slower than this.
	SlowUploadThreshold = 120 * time.Second

	// windowSize bounds the timestamp window the rate is computed over.
	windowSize = 500
)

// Tracker accumulates upload statistics for one worker. Safe for
// concurrent use from the upload pool.
type Tracker struct {
	mu sync.Mutex

	uploads    int64
	duplicates int64
	failures   int64
	bytes      int64

	window []time.Time

	logger *slog.Logger
}

// NewTracker creates a tracker logging through logger.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger}
}

// RecordUpload notes one successful new upload. Every hundredth upload the
// current uploads-per-minute rate is logged; slow uploads are flagged
// individually.
func (t *Tracker) RecordUpload(size int64, d time.Duration) {
	if d > SlowUploadThreshold {
		t.logger.Warn("slow upload", "duration", d.Round(time.Second), "size", humanize.Bytes(uint64(size)))
	}

	t.mu.Lock()
	t.uploads++
	t.bytes += size
	now := time.Now()
	t.window = append(t.window, now)
	if len(t.window) > windowSize {
		t.window = t.window[len(t.window)-windowSize:]
	}
	emit := t.uploads%emitEvery == 0
	rate := t.rateLocked(now)
	uploads := t.uploads
	total := t.bytes
	t.mu.Unlock()

	if emit {
		t.logger.Info("upload rate",
			"uploads", uploads,
			"per_minute", rate,
			"transferred", humanize.Bytes(uint64(total)),
		)
	}
}

// RecordDuplicate notes an already-present outcome.
func (t *Tracker) RecordDuplicate() {
	t.mu.Lock()
	t.duplicates++
	t.mu.Unlock()
}

// RecordFailure notes a permanent failure.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	t.failures++
	t.mu.Unlock()
}

// rateLocked computes uploads per minute over the window.
func (t *Tracker) rateLocked(now time.Time) float64 {
	if len(t.window) < 2 {
		return 0
	}
	span := now.Sub(t.window[0])
	if span <= 0 {
		return 0
	}
	return float64(len(t.window)) / span.Minutes()
}

// Snapshot returns current counters for status reporting.
func (t *Tracker) Snapshot() (uploads, duplicates, failures int64, perMinute float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploads, t.duplicates, t.failures, t.rateLocked(time.Now())
}
