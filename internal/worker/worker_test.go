package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/bookherd/internal/catalog"
	"github.com/jackzampolin/bookherd/internal/dedup"
	"github.com/jackzampolin/bookherd/internal/fingerprint"
	"github.com/jackzampolin/bookherd/internal/metadata"
	"github.com/jackzampolin/bookherd/internal/progress"
	"github.com/jackzampolin/bookherd/internal/target"
	"github.com/jackzampolin/bookherd/internal/uploader"
)

// fixtureSource serves records from a slice, honoring the shard predicate.
type fixtureSource struct {
	records []catalog.Record
}

func (f *fixtureSource) NextBatch(ctx context.Context, shardID, nShards int, lastKey int64, limit int) ([]catalog.Record, error) {
	var out []catalog.Record
	for _, r := range f.records {
		if r.Key > lastKey && r.Key%int64(nShards) == int64(shardID) {
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fixtureSource) CountTotal(ctx context.Context) (int64, error) {
	return int64(len(f.records)), nil
}

// memoryTarget is an in-memory target service with a mutable failure plan.
type memoryTarget struct {
	mu       sync.Mutex
	known    map[string]struct{}
	uploads  int
	failures int // serve this many server_error responses first
}

func newMemoryTarget() *memoryTarget {
	return &memoryTarget{known: map[string]struct{}{}}
}

func (m *memoryTarget) Exists(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.known[fp.Key()]
	return ok, nil
}

func (m *memoryTarget) AllFingerprints(ctx context.Context, fn func(fingerprint.Fingerprint) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.known))
	for k := range m.known {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	for _, k := range keys {
		fp, ok := fingerprint.ParseKey(k)
		if !ok {
			continue
		}
		if err := fn(fp); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryTarget) Upload(ctx context.Context, rec metadata.Record, fp fingerprint.Fingerprint, ref target.FileRef) (target.UploadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return target.UploadResult{Status: target.StatusServerError, Message: "boom"}, nil
	}
	if _, ok := m.known[fp.Key()]; ok {
		return target.UploadResult{Status: target.StatusDuplicate, Message: "already in db"}, nil
	}
	m.known[fp.Key()] = struct{}{}
	m.uploads++
	return target.UploadResult{Status: target.StatusNew}, nil
}

func (m *memoryTarget) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.known)
}

// seedFiles creates n small unique files and the matching records.
func seedFiles(t *testing.T, n int) (string, []catalog.Record) {
	t.Helper()
	dir := t.TempDir()
	records := make([]catalog.Record, 0, n)
	for i := 1; i <= n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("book%d.txt", i))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("content of book %d", i)), 0o644); err != nil {
			t.Fatal(err)
		}
		records = append(records, catalog.Record{
			Key:        int64(i),
			Path:       path,
			FormatHint: "TXT",
			Title:      fmt.Sprintf("Book %d", i),
		})
	}
	return dir, records
}

type env struct {
	src    *fixtureSource
	svc    *memoryTarget
	store  *progress.Store
	libDir string
}

func newEnv(t *testing.T, n int) *env {
	t.Helper()
	dir, records := seedFiles(t, n)
	store, err := progress.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &env{
		src:    &fixtureSource{records: records},
		svc:    newMemoryTarget(),
		store:  store,
		libDir: dir,
	}
}

func (e *env) worker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	cfg.Source = e.src
	cfg.Service = e.svc
	cfg.Store = e.store
	cfg.LibraryDir = e.libDir
	if cfg.Cache == nil {
		cfg.Cache = dedup.NewCache(dedup.Config{})
	}
	if cfg.Uploader == nil {
		cfg.Uploader = uploader.New(uploader.Config{
			Service:    e.svc,
			RetryDelay: time.Millisecond,
		})
	}
	if cfg.Extractor == nil {
		// Tool path that does not exist: every record takes the
		// filename-fallback metadata path.
		cfg.Extractor = metadata.NewExtractor("/nonexistent/ebook-meta", nil)
	}
	if cfg.LastKeyOverride == 0 {
		cfg.LastKeyOverride = -1
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

// Scenario 1: fresh run, two shards, 100 keys; every fingerprint lands
// exactly once.
func TestFreshRunTwoShards(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	for shard := 0; shard < 2; shard++ {
		w := e.worker(t, Config{ShardID: shard, ShardCount: 2, BatchSize: 10})
		if err := w.Run(ctx); err != nil {
			t.Fatalf("shard %d: %v", shard, err)
		}
	}

	if e.svc.count() != 100 {
		t.Errorf("target has %d fingerprints, want 100", e.svc.count())
	}
	if e.svc.uploads != 100 {
		t.Errorf("uploads = %d, want 100", e.svc.uploads)
	}

	all, err := e.store.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	for shard, p := range all {
		if p.LastProcessedKey < 99 {
			t.Errorf("shard %d last key = %d, want >= 99", shard, p.LastProcessedKey)
		}
		if p.TotalUploaded != 50 {
			t.Errorf("shard %d uploaded = %d, want 50", shard, p.TotalUploaded)
		}
	}
}

// Scenario 2: resume after crash; keys at or below the checkpoint are
// never re-uploaded.
func TestResumeFromCheckpoint(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()

	// Preload: checkpoint at 40 with keys 1..40 done.
	pre := progress.New(0, 2)
	pre.LastProcessedKey = 40
	for _, r := range e.src.records[:40] {
		fp, err := fingerprint.Compute(r.Path)
		if err != nil {
			t.Fatal(err)
		}
		pre.MarkCompleted(fp.Key(), r.Path, progress.FileUploaded)
		e.svc.known[fp.Key()] = struct{}{}
	}
	if _, err := e.store.Commit(pre); err != nil {
		t.Fatal(err)
	}

	w := e.worker(t, Config{ShardID: 0, ShardCount: 2, BatchSize: 10})
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Shard 0 mod 2 above 40: keys 42, 44, ..., 100 = 30 new uploads.
	if e.svc.uploads != 30 {
		t.Errorf("uploads = %d, want 30", e.svc.uploads)
	}
	p := w.Progress()
	if p.LastProcessedKey != 100 {
		t.Errorf("last key = %d, want 100", p.LastProcessedKey)
	}
}

// Scenario 3: duplicate-heavy range triggers skip-ahead after five
// consecutive zero-new batches.
func TestSkipAheadOverMigratedRange(t *testing.T) {
	e := newEnv(t, 60)
	ctx := context.Background()

	// Preload the target with every fingerprint: all batches yield zero new.
	for _, r := range e.src.records {
		fp, err := fingerprint.Compute(r.Path)
		if err != nil {
			t.Fatal(err)
		}
		e.svc.known[fp.Key()] = struct{}{}
	}

	// Small batches, so five zero-new batches fit inside the fixture. The
	// worker bootstraps its mirror first, so records short-circuit locally.
	w := e.worker(t, Config{
		ShardID:         0,
		ShardCount:      1,
		BatchSize:       10,
		SkipAheadStride: 10000,
	})
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if e.svc.uploads != 0 {
		t.Errorf("uploads = %d, want 0", e.svc.uploads)
	}
	p := w.Progress()
	if p.LastProcessedKey < 10000 {
		t.Errorf("last key = %d, want skip-ahead past 10000", p.LastProcessedKey)
	}
	// Five zero-new batches of ten ran before the jump; the rest of the
	// range was skipped over.
	if p.TotalAlreadyPresent != 50 {
		t.Errorf("already present = %d, want 50", p.TotalAlreadyPresent)
	}
}

// Scenario 4: transient server failures retry within the uploader budget
// and the record terminates without data loss.
func TestTransientFailuresRecover(t *testing.T) {
	e := newEnv(t, 3)
	e.svc.failures = 2 // first two attempts fail, third succeeds

	w := e.worker(t, Config{ShardID: 0, ShardCount: 1, BatchSize: 10})
	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if e.svc.count() != 3 {
		t.Errorf("target has %d fingerprints, want 3", e.svc.count())
	}
	p := w.Progress()
	if p.TotalUploaded != 3 {
		t.Errorf("uploaded = %d, want 3", p.TotalUploaded)
	}
	if p.LastProcessedKey != 3 {
		t.Errorf("last key = %d, want 3", p.LastProcessedKey)
	}
}

func TestPauseFlagHaltsWorker(t *testing.T) {
	e := newEnv(t, 10)
	if err := e.store.SetPaused(0, true); err != nil {
		t.Fatal(err)
	}

	w := e.worker(t, Config{ShardID: 0, ShardCount: 1, BatchSize: 5})
	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if e.svc.uploads != 0 {
		t.Errorf("paused worker uploaded %d files", e.svc.uploads)
	}
	if w.Progress().Status != progress.StatusPaused {
		t.Errorf("status = %s, want paused", w.Progress().Status)
	}
}

func TestLimitStopsEarly(t *testing.T) {
	e := newEnv(t, 50)

	w := e.worker(t, Config{ShardID: 0, ShardCount: 1, BatchSize: 10, Limit: 15})
	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.svc.uploads > 20 {
		t.Errorf("uploads = %d, expected limit to stop the run near 15", e.svc.uploads)
	}
	if e.svc.uploads < 15 {
		t.Errorf("uploads = %d, want at least 15", e.svc.uploads)
	}
}

// Idempotence (P1): re-running a completed shard uploads nothing new.
func TestRerunIsIdempotent(t *testing.T) {
	e := newEnv(t, 20)
	ctx := context.Background()

	w := e.worker(t, Config{ShardID: 0, ShardCount: 1, BatchSize: 10})
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}
	firstUploads := e.svc.uploads

	w2 := e.worker(t, Config{ShardID: 0, ShardCount: 1, BatchSize: 10})
	if err := w2.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if e.svc.uploads != firstUploads {
		t.Errorf("second run uploaded %d extra files", e.svc.uploads-firstUploads)
	}
	if e.svc.count() != 20 {
		t.Errorf("target has %d fingerprints, want 20", e.svc.count())
	}
}

// Sanitization (P4): nothing persisted carries NUL bytes even when source
// metadata does.
func TestProgressFileSanitized(t *testing.T) {
	e := newEnv(t, 2)

	w := e.worker(t, Config{ShardID: 0, ShardCount: 1, BatchSize: 10})
	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(e.store.Path(0))
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range data {
		if b == 0 {
			t.Fatal("progress file contains NUL byte")
		}
	}
}
