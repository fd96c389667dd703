// Package worker runs one migration shard: it pulls catalog records in
// batches, filters them through the dedup cache, extracts metadata and
// uploads through a bounded pool, checkpointing progress after every batch.
// A worker is a single OS process and shares no memory with its peers;
// everything it knows about the fleet comes from progress files and the
// remote mirror.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackzampolin/bookherd/internal/catalog"
	"github.com/jackzampolin/bookherd/internal/dedup"
	"github.com/jackzampolin/bookherd/internal/fingerprint"
	"github.com/jackzampolin/bookherd/internal/metadata"
	"github.com/jackzampolin/bookherd/internal/metrics"
	"github.com/jackzampolin/bookherd/internal/progress"
	"github.com/jackzampolin/bookherd/internal/target"
	"github.com/jackzampolin/bookherd/internal/uploader"
)

// Source yields catalog records for a shard. *catalog.Catalog implements
// it; tests substitute fixtures.
type Source interface {
	NextBatch(ctx context.Context, shardID, nShards int, lastKey int64, limit int) ([]catalog.Record, error)
	CountTotal(ctx context.Context) (int64, error)
}

var _ Source = (*catalog.Catalog)(nil)

const (
	// DefaultBatchSize is how many records one discovery round pulls.
	DefaultBatchSize = 1000

	// DefaultParallelUploads is the upload pool size.
	DefaultParallelUploads = 1

	// MaxParallelUploads caps the configurable pool size.
	MaxParallelUploads = 10

	// SkipAheadAfter is how many consecutive zero-new batches trigger a
	// skip-ahead jump.
	SkipAheadAfter = 5

	// DefaultSkipAheadStride is the key distance of one skip-ahead jump.
	DefaultSkipAheadStride = 10000

	// DefaultDrainDeadline bounds the in-flight pool drain on shutdown.
	DefaultDrainDeadline = 30 * time.Second

	// commitInterval is the time-based progress commit cadence.
	commitInterval = 30 * time.Second
)

// Config assembles a worker.
type Config struct {
	ShardID    int
	ShardCount int

	LibraryDir string

	// TargetLibraryMount is where the service sees LibraryDir (symlink
	// mode); empty transfers bytes.
	TargetLibraryMount string

	BatchSize       int
	ParallelUploads int
	SkipAheadStride int64

	// Limit caps records processed this invocation (0 = unlimited).
	Limit int

	// LastKeyOverride forces the starting checkpoint when >= 0.
	LastKeyOverride int64

	DrainDeadline time.Duration

	Source    Source
	Service   target.Service
	Uploader  *uploader.Uploader
	Cache     *dedup.Cache
	Store     *progress.Store
	Extractor *metadata.Extractor
	Tracker   *metrics.Tracker
	Logger    *slog.Logger
}

// Worker owns one shard of the migration.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	src   Source
	svc   target.Service
	up    *uploader.Uploader
	cache *dedup.Cache
	store *progress.Store
	extr  *metadata.Extractor
	track *metrics.Tracker

	// mu serializes all mutations of prog; the dedup cache carries its
	// own lock.
	mu         sync.Mutex
	prog       *progress.WorkerProgress
	lastCommit time.Time

	// completedPaths is a fast path-level skip index derived from the
	// progress file, consulted before paying for a fingerprint.
	completedPaths map[string]struct{}

	zeroNewBatches int
	processed      int
}

// New builds a worker from cfg.
func New(cfg Config) (*Worker, error) {
	if cfg.Source == nil || cfg.Service == nil || cfg.Uploader == nil ||
		cfg.Cache == nil || cfg.Store == nil || cfg.Extractor == nil {
		return nil, fmt.Errorf("worker config missing a dependency")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ParallelUploads <= 0 {
		cfg.ParallelUploads = DefaultParallelUploads
	}
	if cfg.ParallelUploads > MaxParallelUploads {
		cfg.ParallelUploads = MaxParallelUploads
	}
	if cfg.SkipAheadStride <= 0 {
		cfg.SkipAheadStride = DefaultSkipAheadStride
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = DefaultDrainDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("shard", cfg.ShardID)
	if cfg.Tracker == nil {
		cfg.Tracker = metrics.NewTracker(logger)
	}

	return &Worker{
		cfg:    cfg,
		logger: logger,
		src:    cfg.Source,
		svc:    cfg.Service,
		up:     cfg.Uploader,
		cache:  cfg.Cache,
		store:  cfg.Store,
		extr:   cfg.Extractor,
		track:  cfg.Tracker,
	}, nil
}

// Progress returns the worker's live progress record. Intended for status
// inspection after Run returns.
func (w *Worker) Progress() *progress.WorkerProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prog
}

// Run executes the shard to completion, pause, or cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.initialize(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return w.drain(nil)
		}
		if w.store.Paused(w.cfg.ShardID) {
			w.logger.Info("pause flag set, halting after current batch")
			w.setStatus(progress.StatusPaused)
			w.commit(true)
			return nil
		}
		if w.cfg.Limit > 0 && w.processed >= w.cfg.Limit {
			w.logger.Info("invocation limit reached", "limit", w.cfg.Limit)
			return w.drain(nil)
		}

		w.setStatus(progress.StatusDiscovering)
		batch, err := w.src.NextBatch(ctx, w.cfg.ShardID, w.cfg.ShardCount, w.lastKey(), w.cfg.BatchSize)
		if err != nil {
			// The catalog retried internally; the surfaced error ends the
			// run with progress committed, so the supervisor finds the
			// process gone (not a live stalled worker) and restarts it.
			w.logger.Error("catalog query failed after retries", "error", err)
			w.commit(true)
			return fmt.Errorf("catalog query failed: %w", err)
		}
		w.touch("query")

		if len(batch) == 0 {
			w.logger.Info("shard exhausted, draining",
				"last_processed_shard_key", w.lastKey())
			return w.drain(nil)
		}

		w.logger.Info("Processed batch: discovery",
			"records", len(batch),
			"first_key", batch[0].Key,
			"last_key", batch[len(batch)-1].Key,
		)

		newUploads, sawTransient := w.processBatch(ctx, batch)

		// Advance the checkpoint only when every record of the batch
		// terminated; a transient leftover keeps the floor so the next
		// discovery retries it.
		if !sawTransient {
			w.advanceKey(batch[len(batch)-1].Key)
		}

		w.noteBatchOutcome(ctx, newUploads)
		w.commit(true)
	}
}

// initialize loads progress, builds the dedup layers and verifies the
// target is reachable.
func (w *Worker) initialize(ctx context.Context) error {
	prog, err := w.store.Load(w.cfg.ShardID, w.cfg.ShardCount)
	if err != nil {
		return fmt.Errorf("failed to load progress: %w", err)
	}
	if w.cfg.LastKeyOverride >= 0 {
		prog.LastProcessedKey = w.cfg.LastKeyOverride
	}
	prog.Status = progress.StatusInitializing
	prog.ShardCount = w.cfg.ShardCount
	prog.PID = os.Getpid()

	w.mu.Lock()
	w.prog = prog
	w.completedPaths = make(map[string]struct{}, len(prog.CompletedFiles))
	for _, cf := range prog.CompletedFiles {
		w.completedPaths[cf.Path] = struct{}{}
	}
	w.mu.Unlock()

	w.cache.SeedLocal(prog)
	if err := w.cache.ReloadPeers(w.store, w.cfg.ShardID); err != nil {
		w.logger.Warn("peer progress snapshot failed", "error", err)
	}

	if err := w.cache.RefreshRemote(ctx, w.svc); err != nil {
		w.logger.Warn("remote mirror bootstrap failed, dedup degrades to server-side", "error", err)
	}

	if pinger, ok := w.svc.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			return fmt.Errorf("target unreachable: %w", err)
		}
	}

	local, peers, remote := w.cache.Sizes()
	w.logger.Info("worker initialized",
		"last_processed_shard_key", prog.LastProcessedKey,
		"dedup_local", local, "dedup_peers", peers, "dedup_remote", remote,
	)
	w.commit(true)
	return nil
}

// processBatch runs every record of a batch to a terminal or transient
// state. Returns the count of new uploads and whether any record ended
// transient.
func (w *Worker) processBatch(ctx context.Context, batch []catalog.Record) (int, bool) {
	w.setStatus(progress.StatusProcessing)

	var (
		wg           sync.WaitGroup
		sem          = make(chan struct{}, w.cfg.ParallelUploads)
		resultMu     sync.Mutex
		newUploads   int
		sawTransient bool
	)

	// Uploads run on a context that outlives cancellation of ctx by
	// DrainDeadline, so in-flight transfers can finish on shutdown.
	upCtx, upCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer upCancel()
	stopDrain := context.AfterFunc(ctx, func() { time.AfterFunc(w.cfg.DrainDeadline, upCancel) })
	defer stopDrain()

	for _, rec := range batch {
		if ctx.Err() != nil {
			resultMu.Lock()
			sawTransient = true
			resultMu.Unlock()
			break
		}
		if w.cfg.Limit > 0 && w.processed >= w.cfg.Limit {
			resultMu.Lock()
			sawTransient = true // keep the checkpoint; remaining records are unprocessed
			resultMu.Unlock()
			break
		}
		w.processed++

		fp, skip := w.filterRecord(rec)
		if skip {
			continue
		}

		rec := rec
		meta := w.prepareMetadata(ctx, rec)

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			outcome := w.up.Upload(upCtx, meta, fp, w.fileRef(rec))
			w.recordOutcome(rec, fp, outcome)

			resultMu.Lock()
			switch outcome.Kind {
			case uploader.OutcomeNew:
				newUploads++
			case uploader.OutcomeTransient:
				sawTransient = true
			}
			resultMu.Unlock()
		}()
	}
	wg.Wait()

	w.cache.NoteProcessed(len(batch))
	w.cache.MaybeRefreshRemote(ctx, w.svc)
	w.touch("batch")
	return newUploads, sawTransient
}

// filterRecord runs the pre-upload dedup steps. Returns the fingerprint
// and whether the record is already resolved.
func (w *Worker) filterRecord(rec catalog.Record) (fingerprint.Fingerprint, bool) {
	// Path-level skip: this worker already resolved the file.
	w.mu.Lock()
	_, done := w.completedPaths[rec.Path]
	w.mu.Unlock()
	if done {
		return fingerprint.Fingerprint{}, true
	}

	fp, err := fingerprint.Compute(rec.Path)
	if err != nil {
		w.logger.Warn("unreadable source file", "path", rec.Path, "error", err)
		w.markCompleted(rec.Path, fp, progress.FileUnresolvable, err.Error())
		return fp, true
	}

	if w.cache.Seen(fp) {
		w.markCompleted(rec.Path, fp, progress.FileAlreadyPresentLocal, "")
		w.track.RecordDuplicate()
		return fp, true
	}
	return fp, false
}

// prepareMetadata merges catalog-prefetched metadata with tool extraction.
func (w *Worker) prepareMetadata(ctx context.Context, rec catalog.Record) metadata.Record {
	meta := w.extr.Extract(ctx, rec.Path)
	if meta.FromFallback && rec.Title != "" {
		meta.Title = rec.Title
		meta.FromFallback = false
	}
	if len(meta.Authors) == 0 || (len(meta.Authors) == 1 && meta.Authors[0] == "Unknown") {
		if len(rec.Authors) > 0 {
			meta.Authors = rec.Authors
		}
	}
	return meta
}

// fileRef builds the upload reference, honoring symlink mode.
func (w *Worker) fileRef(rec catalog.Record) target.FileRef {
	ref := target.FileRef{LocalPath: rec.Path}
	if w.cfg.TargetLibraryMount != "" {
		if rel, err := filepath.Rel(w.cfg.LibraryDir, rec.Path); err == nil && !strings.HasPrefix(rel, "..") {
			ref.TargetPath = filepath.Join(w.cfg.TargetLibraryMount, rel)
		}
	}
	return ref
}

// recordOutcome folds an upload outcome into progress and the caches.
func (w *Worker) recordOutcome(rec catalog.Record, fp fingerprint.Fingerprint, outcome uploader.Outcome) {
	switch outcome.Kind {
	case uploader.OutcomeNew:
		w.markCompleted(rec.Path, fp, progress.FileUploaded, "")
		w.cache.Add(fp, true)
		w.track.RecordUpload(fp.Size, outcome.Duration)
		w.touch("upload")
	case uploader.OutcomeAlreadyPresent:
		w.markCompleted(rec.Path, fp, progress.FileAlreadyPresent, "")
		w.cache.Add(fp, false)
		w.track.RecordDuplicate()
	case uploader.OutcomePermanent:
		w.logger.Warn("permanent upload failure", "path", rec.Path, "reason", outcome.Reason)
		w.markCompleted(rec.Path, fp, progress.FileUnresolvable, outcome.Reason)
		w.track.RecordFailure()
	case uploader.OutcomeTransient:
		w.logger.Warn("transient upload failure, will retry next batch", "path", rec.Path, "reason", outcome.Reason)
		w.mu.Lock()
		w.prog.RecordError(rec.Path, outcome.Reason)
		w.mu.Unlock()
	}
	w.commit(false)
}

// noteBatchOutcome tracks skip-ahead state and the peer-reload trigger.
func (w *Worker) noteBatchOutcome(ctx context.Context, newUploads int) {
	if newUploads > 0 {
		w.zeroNewBatches = 0
		return
	}

	w.zeroNewBatches++
	w.logger.Info("batch produced no new uploads", "consecutive", w.zeroNewBatches)

	// A quiet batch is the cue to see what peers have finished lately.
	if err := w.cache.ReloadPeers(w.store, w.cfg.ShardID); err != nil {
		w.logger.Warn("peer progress reload failed", "error", err)
	}

	if w.zeroNewBatches >= SkipAheadAfter {
		w.mu.Lock()
		from := w.prog.LastProcessedKey
		w.prog.LastProcessedKey += w.cfg.SkipAheadStride
		to := w.prog.LastProcessedKey
		w.mu.Unlock()
		w.zeroNewBatches = 0
		w.logger.Info("skip-ahead: jumping past migrated range", "from_key", from, "to_key", to)
	}
}

// drain commits final state and exits. In-flight uploads were already
// waited out by processBatch, which gives them up to DrainDeadline after
// cancellation, so by the time Run reaches here the pool is empty.
func (w *Worker) drain(err error) error {
	w.commit(true)
	w.logger.Info("worker exiting")
	return err
}

func (w *Worker) lastKey() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prog.LastProcessedKey
}

func (w *Worker) advanceKey(key int64) {
	w.mu.Lock()
	if key > w.prog.LastProcessedKey {
		w.prog.LastProcessedKey = key
	}
	w.mu.Unlock()
}

func (w *Worker) setStatus(s progress.Status) {
	w.mu.Lock()
	w.prog.Status = s
	w.mu.Unlock()
}

func (w *Worker) touch(kind string) {
	w.mu.Lock()
	w.prog.TouchActivity(kind)
	w.mu.Unlock()
}

func (w *Worker) markCompleted(path string, fp fingerprint.Fingerprint, status progress.FileStatus, reason string) {
	w.mu.Lock()
	key := fp.Key()
	if fp.Hash == "" {
		// Unreadable before fingerprinting; track by path only.
		key = "path:" + path
	}
	w.prog.MarkCompleted(key, path, status)
	w.completedPaths[path] = struct{}{}
	if reason != "" {
		w.prog.RecordError(path, reason)
	}
	w.mu.Unlock()
}

// commit writes progress if forced or the cadence interval has elapsed.
// When the store's atomic write and its direct-write fallback both fail,
// the error is logged and the in-memory status is set to paused; the run
// loop does not stop on it, and the next status change overwrites it.
func (w *Worker) commit(force bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !force && time.Since(w.lastCommit) < commitInterval {
		return
	}
	degraded, err := w.store.Commit(w.prog)
	if err != nil {
		w.logger.Error("progress commit failed", "error", err)
		w.prog.Status = progress.StatusPaused
		return
	}
	if degraded {
		w.logger.Warn("progress commit degraded to non-atomic write")
	}
	w.lastCommit = time.Now()
}
