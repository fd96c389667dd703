package progress

import (
	"os"
	"strings"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLoadMissingFile(t *testing.T) {
	s := newStore(t)
	p, err := s.Load(3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if p.ShardID != 3 || p.ShardCount != 4 {
		t.Errorf("shard = %d/%d", p.ShardID, p.ShardCount)
	}
	if p.Status != StatusInitializing {
		t.Errorf("status = %s", p.Status)
	}
	if p.CompletedFiles == nil {
		t.Error("nil CompletedFiles")
	}
}

func TestCommitLoadRoundTrip(t *testing.T) {
	s := newStore(t)
	p := New(0, 2)
	p.LastProcessedKey = 42
	p.MarkCompleted("abc:10", "/lib/a.epub", FileUploaded)
	p.MarkCompleted("def:20", "/lib/b.epub", FileAlreadyPresent)
	p.TouchActivity("upload")

	degraded, err := s.Commit(p)
	if err != nil {
		t.Fatal(err)
	}
	if degraded {
		t.Error("unexpected degraded commit")
	}

	got, err := s.Load(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastProcessedKey != 42 {
		t.Errorf("last key = %d", got.LastProcessedKey)
	}
	if len(got.CompletedFiles) != 2 {
		t.Errorf("completed = %d", len(got.CompletedFiles))
	}
	if got.CompletedFiles["abc:10"].Status != FileUploaded {
		t.Errorf("status = %s", got.CompletedFiles["abc:10"].Status)
	}
	if got.TotalUploaded != 1 || got.TotalAlreadyPresent != 1 {
		t.Errorf("counters = %d/%d", got.TotalUploaded, got.TotalAlreadyPresent)
	}
	if got.LastUploadedAt == nil {
		t.Error("LastUploadedAt not persisted")
	}
}

func TestLoadRecoversPartialTail(t *testing.T) {
	s := newStore(t)
	p := New(1, 2)
	p.LastProcessedKey = 99
	p.MarkCompleted("abc:10", "/lib/a.epub", FileUploaded)
	if _, err := s.Commit(p); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: valid document followed by garbage.
	f, err := os.OpenFile(s.Path(1), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"shard_id": 1, "last_processed_shard_`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := s.Load(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastProcessedKey != 99 {
		t.Errorf("recovered last key = %d, want 99", got.LastProcessedKey)
	}
	if len(got.CompletedFiles) != 1 {
		t.Errorf("recovered completed = %d, want 1", len(got.CompletedFiles))
	}
}

func TestLoadRecoversLastOfConcatenated(t *testing.T) {
	s := newStore(t)
	content := `{"shard_id": 2, "last_processed_shard_key": 10, "completed_files": {}}` +
		"\n" +
		`{"shard_id": 2, "last_processed_shard_key": 20, "completed_files": {}}`
	if err := os.WriteFile(s.Path(2), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastProcessedKey != 20 {
		t.Errorf("last key = %d, want 20 (the last complete document)", got.LastProcessedKey)
	}
}

func TestLoadGarbageStartsFresh(t *testing.T) {
	s := newStore(t)
	if err := os.WriteFile(s.Path(5), []byte("complete nonsense"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastProcessedKey != 0 || len(got.CompletedFiles) != 0 {
		t.Error("expected fresh progress for unrecoverable file")
	}
}

func TestErrorTailBounded(t *testing.T) {
	p := New(0, 1)
	for i := 0; i < maxErrorTail+50; i++ {
		p.RecordError("/lib/x", "boom")
	}
	if len(p.Errors) != maxErrorTail {
		t.Errorf("error tail = %d, want %d", len(p.Errors), maxErrorTail)
	}
}

func TestLoadAll(t *testing.T) {
	s := newStore(t)
	for shard := 0; shard < 3; shard++ {
		p := New(shard, 3)
		p.LastProcessedKey = int64(shard * 100)
		if _, err := s.Commit(p); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[2].LastProcessedKey != 200 {
		t.Errorf("shard 2 key = %d", all[2].LastProcessedKey)
	}
}

func TestPauseFlag(t *testing.T) {
	s := newStore(t)
	if s.Paused(0) {
		t.Error("fresh shard reported paused")
	}
	if err := s.SetPaused(0, true); err != nil {
		t.Fatal(err)
	}
	if !s.Paused(0) {
		t.Error("pause flag not visible")
	}
	if err := s.SetPaused(0, false); err != nil {
		t.Fatal(err)
	}
	if s.Paused(0) {
		t.Error("pause flag not cleared")
	}
	// Clearing twice is fine.
	if err := s.SetPaused(0, false); err != nil {
		t.Fatal(err)
	}
}

func TestTouchActivity(t *testing.T) {
	p := New(0, 1)
	before := p.LastActivityAt
	time.Sleep(10 * time.Millisecond)

	p.TouchActivity("batch")
	if !p.LastActivityAt.After(before) {
		t.Error("activity not advanced")
	}
	if p.LastUploadedAt != nil {
		t.Error("non-upload touch moved upload time")
	}

	p.TouchActivity("upload")
	if p.LastUploadedAt == nil {
		t.Error("upload touch did not set upload time")
	}
}

func TestProgressFileIsHumanReadable(t *testing.T) {
	s := newStore(t)
	p := New(0, 1)
	p.MarkCompleted("abc:10", "/lib/a.epub", FileUploaded)
	if _, err := s.Commit(p); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.Path(0))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"shard_id", "last_processed_shard_key", "completed_files"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("progress file missing %q", key)
		}
	}
}
