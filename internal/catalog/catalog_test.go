package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
)

// seedLibrary creates a minimal Calibre-shaped metadata.db with n books,
// one EPUB row each, and returns the library dir.
func seedLibrary(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	schema := `
	CREATE TABLE books (id INTEGER PRIMARY KEY, title TEXT, path TEXT, series_index REAL DEFAULT 1.0);
	CREATE TABLE data (id INTEGER PRIMARY KEY, book INTEGER, format TEXT, name TEXT);
	CREATE TABLE authors (id INTEGER PRIMARY KEY, name TEXT);
	CREATE TABLE books_authors_link (id INTEGER PRIMARY KEY, book INTEGER, author INTEGER);
	INSERT INTO authors (id, name) VALUES (1, 'Test Author');
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= n; i++ {
		if _, err := db.Exec(
			`INSERT INTO books (id, title, path) VALUES (?, ?, ?)`,
			i, fmt.Sprintf("Book %d", i), fmt.Sprintf("Test Author/Book %d (%d)", i, i),
		); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(
			`INSERT INTO data (book, format, name) VALUES (?, 'EPUB', ?)`,
			i, fmt.Sprintf("Book %d", i),
		); err != nil {
			t.Fatal(err)
		}
		if _, err := db.Exec(
			`INSERT INTO books_authors_link (book, author) VALUES (?, 1)`, i,
		); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestNextBatchSharding(t *testing.T) {
	dir := seedLibrary(t, 100)
	cat, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	ctx := context.Background()

	shard0, err := cat.NextBatch(ctx, 0, 2, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	shard1, err := cat.NextBatch(ctx, 1, 2, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}

	if len(shard0) != 50 || len(shard1) != 50 {
		t.Fatalf("shard sizes = %d, %d; want 50, 50", len(shard0), len(shard1))
	}
	for _, r := range shard0 {
		if r.Key%2 != 0 {
			t.Errorf("shard 0 got key %d", r.Key)
		}
	}
	for _, r := range shard1 {
		if r.Key%2 != 1 {
			t.Errorf("shard 1 got key %d", r.Key)
		}
	}
}

func TestNextBatchOrderingAndResume(t *testing.T) {
	dir := seedLibrary(t, 100)
	cat, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	ctx := context.Background()
	batch, err := cat.NextBatch(ctx, 0, 2, 40, 1000)
	if err != nil {
		t.Fatal(err)
	}

	// Shard 0 mod 2 above key 40: 42, 44, ..., 100.
	if len(batch) != 30 {
		t.Fatalf("len = %d, want 30", len(batch))
	}
	if batch[0].Key != 42 {
		t.Errorf("first key = %d, want 42", batch[0].Key)
	}
	last := int64(0)
	for _, r := range batch {
		if r.Key <= last {
			t.Fatalf("keys not ascending: %d after %d", r.Key, last)
		}
		last = r.Key
	}
	if batch[len(batch)-1].Key != 100 {
		t.Errorf("last key = %d, want 100", batch[len(batch)-1].Key)
	}
}

func TestNextBatchLimit(t *testing.T) {
	dir := seedLibrary(t, 50)
	cat, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	batch, err := cat.NextBatch(context.Background(), 0, 1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 10 {
		t.Errorf("len = %d, want 10", len(batch))
	}
}

func TestRecordFields(t *testing.T) {
	dir := seedLibrary(t, 1)
	cat, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	batch, err := cat.NextBatch(context.Background(), 0, 1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Fatalf("len = %d", len(batch))
	}
	r := batch[0]
	if r.Title != "Book 1" {
		t.Errorf("title = %q", r.Title)
	}
	if r.FormatHint != "EPUB" {
		t.Errorf("format = %q", r.FormatHint)
	}
	want := filepath.Join(dir, "Test Author/Book 1 (1)", "Book 1.epub")
	if r.Path != want {
		t.Errorf("path = %q, want %q", r.Path, want)
	}
	if len(r.Authors) != 1 || r.Authors[0] != "Test Author" {
		t.Errorf("authors = %v", r.Authors)
	}
}

func TestCountTotal(t *testing.T) {
	dir := seedLibrary(t, 25)
	cat, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	count, err := cat.CountTotal(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 25 {
		t.Errorf("count = %d, want 25", count)
	}

	max, err := cat.MaxKey(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if max != 25 {
		t.Errorf("max = %d, want 25", max)
	}
}
