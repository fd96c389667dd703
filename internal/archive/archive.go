// Package archive runs the tar-bundle variant of the migration worker. The
// pipeline is the catalog worker's (dedup, metadata, bounded upload pool,
// checkpointing) but source iteration comes from assigned archive files
// that are extracted into a staging directory, with reuse of extraction
// folders surviving from earlier runs and recovery of archives orphaned by
// dead peers.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jackzampolin/bookherd/internal/dedup"
	"github.com/jackzampolin/bookherd/internal/fingerprint"
	"github.com/jackzampolin/bookherd/internal/home"
	"github.com/jackzampolin/bookherd/internal/metadata"
	"github.com/jackzampolin/bookherd/internal/metrics"
	"github.com/jackzampolin/bookherd/internal/progress"
	"github.com/jackzampolin/bookherd/internal/target"
	"github.com/jackzampolin/bookherd/internal/uploader"
)

// fingerprintParallelism bounds the parallel fingerprint stage ahead of the
// serialized dedup filter.
func fingerprintParallelism() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

// Config assembles an archive worker.
type Config struct {
	ShardID    int
	ShardCount int

	// Archives is the assigned list of tar paths.
	Archives []string

	// StagingDir is where archives extract; must have free headroom.
	StagingDir string

	ParallelUploads int

	// MinFreeBytes overrides the staging free-space floor (default 10 GiB).
	MinFreeBytes uint64

	Service   target.Service
	Uploader  *uploader.Uploader
	Cache     *dedup.Cache
	Store     *progress.Store
	Extractor *metadata.Extractor
	Tracker   *metrics.Tracker
	Logger    *slog.Logger

	// AliveFn overrides process liveness probing in tests.
	AliveFn func(pid int) bool
}

// Worker processes assigned archives.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	svc   target.Service
	up    *uploader.Uploader
	cache *dedup.Cache
	store *progress.Store
	extr  *metadata.Extractor
	track *metrics.Tracker
	alive func(pid int) bool

	mu         sync.Mutex
	prog       *progress.WorkerProgress
	lastCommit time.Time
}

// New builds an archive worker from cfg.
func New(cfg Config) (*Worker, error) {
	if cfg.Service == nil || cfg.Uploader == nil || cfg.Cache == nil ||
		cfg.Store == nil || cfg.Extractor == nil {
		return nil, fmt.Errorf("archive worker config missing a dependency")
	}
	if cfg.ParallelUploads <= 0 {
		cfg.ParallelUploads = 1
	}
	if cfg.MinFreeBytes == 0 {
		cfg.MinFreeBytes = home.MinStagingFree
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("shard", cfg.ShardID, "mode", "archive")
	if cfg.Tracker == nil {
		cfg.Tracker = metrics.NewTracker(logger)
	}
	alive := cfg.AliveFn
	if alive == nil {
		alive = progress.ProcessAlive
	}
	return &Worker{
		cfg:    cfg,
		logger: logger,
		svc:    cfg.Service,
		up:     cfg.Uploader,
		cache:  cfg.Cache,
		store:  cfg.Store,
		extr:   cfg.Extractor,
		track:  cfg.Tracker,
		alive:  alive,
	}, nil
}

// Progress returns the live progress record.
func (w *Worker) Progress() *progress.WorkerProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.prog
}

// Run processes the assigned archives, then claims orphans of dead peers.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.initialize(ctx); err != nil {
		return err
	}

	queue := append([]string(nil), w.cfg.Archives...)
	for len(queue) > 0 {
		if ctx.Err() != nil {
			w.commit(true)
			return nil
		}
		if w.store.Paused(w.cfg.ShardID) {
			w.logger.Info("pause flag set, halting")
			w.setStatus(progress.StatusPaused)
			w.commit(true)
			return nil
		}

		archivePath := queue[0]
		queue = queue[1:]
		name := filepath.Base(archivePath)

		w.mu.Lock()
		done := w.prog.HasArchiveCompleted(name)
		w.mu.Unlock()
		if done {
			continue
		}

		if err := w.processArchive(ctx, archivePath); err != nil {
			w.logger.Error("archive failed", "archive", name, "error", err)
			w.mu.Lock()
			w.prog.RecordError(archivePath, err.Error())
			w.mu.Unlock()
			w.commit(true)
			continue
		}

		// Out of assigned work: look for archives stranded by dead peers.
		if len(queue) == 0 {
			orphans := w.claimOrphans()
			if len(orphans) > 0 {
				w.logger.Info("claiming orphaned archives from dead peers", "count", len(orphans))
				queue = append(queue, orphans...)
			}
		}
	}

	w.commit(true)
	w.logger.Info("archive worker done")
	return nil
}

func (w *Worker) initialize(ctx context.Context) error {
	if err := checkStagingSpace(w.cfg.StagingDir, w.cfg.MinFreeBytes); err != nil {
		return err
	}

	prog, err := w.store.Load(w.cfg.ShardID, w.cfg.ShardCount)
	if err != nil {
		return fmt.Errorf("failed to load progress: %w", err)
	}
	prog.Status = progress.StatusInitializing
	prog.PID = os.Getpid()
	// Full paths, so peers doing orphan recovery can find the files.
	prog.AssignedArchives = append([]string(nil), w.cfg.Archives...)
	if prog.ArchiveProgress == nil {
		prog.ArchiveProgress = make(map[string]progress.ArchiveSummary)
	}

	w.mu.Lock()
	w.prog = prog
	w.mu.Unlock()

	w.cache.SeedLocal(prog)
	if err := w.cache.ReloadPeers(w.store, w.cfg.ShardID); err != nil {
		w.logger.Warn("peer progress snapshot failed", "error", err)
	}
	if err := w.cache.RefreshRemote(ctx, w.svc); err != nil {
		w.logger.Warn("remote mirror bootstrap failed", "error", err)
	}

	w.commit(true)
	return nil
}

// processArchive extracts (or reuses) one archive and streams its files
// through the pipeline.
func (w *Worker) processArchive(ctx context.Context, archivePath string) error {
	name := filepath.Base(archivePath)
	base := strings.TrimSuffix(name, filepath.Ext(name))

	w.mu.Lock()
	w.prog.CurrentArchive = name
	w.prog.Status = progress.StatusProcessing
	w.mu.Unlock()
	w.commit(true)

	extractDir := FindReusableExtraction(w.cfg.StagingDir, base)
	reused := extractDir != ""
	if reused {
		w.logger.Info("reusing existing extraction folder", "archive", name, "dir", extractDir)
	} else {
		if err := checkStagingSpace(w.cfg.StagingDir, w.cfg.MinFreeBytes); err != nil {
			return err
		}
		extractDir = filepath.Join(w.cfg.StagingDir, fmt.Sprintf("%s_%d", base, time.Now().Unix()))
		w.logger.Info("extracting archive", "archive", name, "dir", extractDir)
		if err := extractTar(ctx, archivePath, extractDir); err != nil {
			return fmt.Errorf("extraction failed: %w", err)
		}
	}
	w.touch("extract")

	files, err := ListEbookFiles(extractDir)
	if err != nil {
		return fmt.Errorf("listing extraction folder failed: %w", err)
	}
	w.logger.Info("archive contents listed", "archive", name, "files", len(files))

	summary := w.processFiles(ctx, files)
	if ctx.Err() != nil {
		// Interrupted: keep the extraction folder and the current_archive
		// marker so a restart resumes here.
		w.commit(true)
		return ctx.Err()
	}

	now := time.Now().UTC()
	summary.Status = "completed"
	summary.CompletedAt = &now

	w.mu.Lock()
	w.prog.CompletedArchives = append(w.prog.CompletedArchives, name)
	w.prog.CurrentArchive = ""
	w.prog.ArchiveProgress[name] = summary
	w.mu.Unlock()
	w.commit(true)

	if !reused {
		if err := os.RemoveAll(extractDir); err != nil {
			w.logger.Warn("failed to remove extraction folder", "dir", extractDir, "error", err)
		}
	}
	return nil
}

// fingerprinted pairs a file with its computed fingerprint.
type fingerprinted struct {
	path string
	fp   fingerprint.Fingerprint
	err  error
}

// processFiles runs the parallel-fingerprint → serial-dedup → upload-pool
// pipeline over the extracted files.
func (w *Worker) processFiles(ctx context.Context, files []string) progress.ArchiveSummary {
	summary := progress.ArchiveSummary{Status: "processing"}

	// Stage 1: fingerprint in parallel ahead of the serialized filter.
	fpCh := make(chan fingerprinted, len(files))
	sem := make(chan struct{}, fingerprintParallelism())
	var fpWG sync.WaitGroup
	go func() {
		for _, path := range files {
			if ctx.Err() != nil {
				break
			}
			sem <- struct{}{}
			fpWG.Add(1)
			go func(p string) {
				defer func() { <-sem; fpWG.Done() }()
				fp, err := fingerprint.Compute(p)
				fpCh <- fingerprinted{path: p, fp: fp, err: err}
			}(path)
		}
		fpWG.Wait()
		close(fpCh)
	}()

	// Stage 2+3: serial dedup filter feeding the bounded upload pool.
	var (
		upWG   sync.WaitGroup
		upSem  = make(chan struct{}, w.cfg.ParallelUploads)
		sumMu  sync.Mutex
		seenIn = make(map[string]struct{}, len(files))
	)
	for item := range fpCh {
		if ctx.Err() != nil {
			break
		}
		summary.FilesProcessed++

		if item.err != nil {
			w.logger.Warn("unreadable extracted file", "path", item.path, "error", item.err)
			sumMu.Lock()
			summary.Errors++
			sumMu.Unlock()
			continue
		}

		// Archives repeat content internally; dedup within this batch too.
		key := item.fp.Key()
		if _, dup := seenIn[key]; dup {
			continue
		}
		seenIn[key] = struct{}{}

		if w.cache.Seen(item.fp) {
			w.markCompleted(item.path, item.fp, progress.FileAlreadyPresentLocal, "")
			w.track.RecordDuplicate()
			continue
		}

		item := item
		meta := w.extr.Extract(ctx, item.path)

		upSem <- struct{}{}
		upWG.Add(1)
		go func() {
			defer func() { <-upSem; upWG.Done() }()
			outcome := w.up.Upload(ctx, meta, item.fp, target.FileRef{LocalPath: item.path})
			w.recordOutcome(item.path, item.fp, outcome)
			if outcome.Kind == uploader.OutcomeNew {
				sumMu.Lock()
				summary.FilesUploaded++
				sumMu.Unlock()
			}
			if outcome.Kind == uploader.OutcomeTransient || outcome.Kind == uploader.OutcomePermanent {
				sumMu.Lock()
				summary.Errors++
				sumMu.Unlock()
			}
		}()
	}
	upWG.Wait()

	w.cache.NoteProcessed(summary.FilesProcessed)
	w.cache.MaybeRefreshRemote(ctx, w.svc)
	w.touch("batch")
	return summary
}

func (w *Worker) recordOutcome(path string, fp fingerprint.Fingerprint, outcome uploader.Outcome) {
	switch outcome.Kind {
	case uploader.OutcomeNew:
		w.markCompleted(path, fp, progress.FileUploaded, "")
		w.cache.Add(fp, true)
		w.track.RecordUpload(fp.Size, outcome.Duration)
		w.touch("upload")
	case uploader.OutcomeAlreadyPresent:
		w.markCompleted(path, fp, progress.FileAlreadyPresent, "")
		w.cache.Add(fp, false)
		w.track.RecordDuplicate()
	case uploader.OutcomePermanent:
		w.markCompleted(path, fp, progress.FileUnresolvable, outcome.Reason)
		w.track.RecordFailure()
	case uploader.OutcomeTransient:
		w.mu.Lock()
		w.prog.RecordError(path, outcome.Reason)
		w.mu.Unlock()
	}
	w.commit(false)
}

// claimOrphans scans peer progress files for archives whose owner process
// is dead and that no live peer has claimed. Dedup makes double-claims
// harmless, so no lock is needed.
func (w *Worker) claimOrphans() []string {
	all, err := w.store.LoadAll()
	if err != nil {
		w.logger.Warn("orphan scan failed", "error", err)
		return nil
	}

	// Everything a live peer holds is off limits.
	claimed := make(map[string]struct{})
	for shard, p := range all {
		if shard == w.cfg.ShardID || !w.alive(p.PID) {
			continue
		}
		for _, a := range p.AssignedArchives {
			claimed[filepath.Base(a)] = struct{}{}
		}
	}

	w.mu.Lock()
	mine := make(map[string]struct{}, len(w.prog.CompletedArchives))
	for _, a := range w.prog.CompletedArchives {
		mine[a] = struct{}{}
	}
	w.mu.Unlock()

	var orphans []string
	for shard, p := range all {
		if shard == w.cfg.ShardID || w.alive(p.PID) {
			continue
		}
		for _, path := range p.AssignedArchives {
			name := filepath.Base(path)
			if p.HasArchiveCompleted(name) {
				continue
			}
			if _, taken := claimed[name]; taken {
				continue
			}
			if _, done := mine[name]; done {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				continue
			}
			orphans = append(orphans, path)
			claimed[name] = struct{}{}
		}
	}
	return orphans
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
	w.prog.MarkCompleted(fp.Key(), path, status)
	if reason != "" {
		w.prog.RecordError(path, reason)
	}
	w.mu.Unlock()
}

const commitInterval = 30 * time.Second

func (w *Worker) commit(force bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !force && time.Since(w.lastCommit) < commitInterval {
		return
	}
	degraded, err := w.store.Commit(w.prog)
	if err != nil {
		w.logger.Error("progress commit failed", "error", err)
		return
	}
	if degraded {
		w.logger.Warn("progress commit degraded to non-atomic write")
	}
	w.lastCommit = time.Now()
}

// checkStagingSpace fails fast when the staging filesystem is short.
func checkStagingSpace(dir string, min uint64) error {
	free, err := home.FreeSpace(dir)
	if err != nil {
		return fmt.Errorf("cannot check staging space: %w", err)
	}
	if free < min {
		return fmt.Errorf("staging has %s free, need %s",
			humanize.Bytes(free), humanize.Bytes(min))
	}
	return nil
}

// extractTar unpacks a plain tar archive under destDir, refusing entries
// that escape it.
func extractTar(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(f)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read failed: %w", err)
		}

		dest := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes extraction dir: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials inside bundles are noise; skip.
		}
	}
}
