// Package catalog reads candidate records from the source library's indexed
// catalog, a Calibre-style SQLite database (metadata.db). The database is
// opened read-only; querying it is orders of magnitude faster than walking
// a multi-terabyte library on disk.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	_ "github.com/mattn/go-sqlite3"
)

// Record identifies one candidate file from the catalog.
type Record struct {
	// Key is the catalog primary key (books.id), used for sharding and
	// checkpointing.
	Key int64

	// Path is the absolute filesystem path to the binary.
	Path string

	// FormatHint is the catalog's uppercase format tag (EPUB, PDF, ...).
	FormatHint string

	// Prefetched metadata from the catalog row; may be empty.
	Title       string
	Authors     []string
	SeriesIndex float64
}

// formats lists the catalog format tags the migration considers.
var formats = []string{"EPUB", "PDF", "FB2", "MOBI", "AZW3", "TXT"}

// queryAttempts bounds retries for a single catalog query; after the last
// one the error reaches the worker, which ends its run.
const queryAttempts = 3

// Catalog is a read-only handle on the source catalog database.
type Catalog struct {
	db         *sql.DB
	libraryDir string
}

// Open opens the catalog database under libraryDir read-only.
func Open(libraryDir string) (*Catalog, error) {
	dbPath := filepath.Join(libraryDir, "metadata.db")
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", dbPath, err)
	}
	// A single connection avoids SQLite lock churn against the live library.
	db.SetMaxOpenConns(1)
	return &Catalog{db: db, libraryDir: libraryDir}, nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Ping verifies the catalog is readable.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func formatPlaceholders() string {
	return strings.TrimSuffix(strings.Repeat("?,", len(formats)), ",")
}

// NextBatch returns up to limit records with key > lastKey belonging to the
// given shard (key mod nShards == shardID), ordered ascending by key.
// Transient query failures are retried with backoff before surfacing.
func (c *Catalog) NextBatch(ctx context.Context, shardID, nShards int, lastKey int64, limit int) ([]Record, error) {
	if nShards < 1 {
		nShards = 1
	}
	query := fmt.Sprintf(`
		SELECT b.id, b.path, d.name, d.format, b.title, b.series_index,
		       COALESCE((
		           SELECT GROUP_CONCAT(a.name, ' & ')
		           FROM books_authors_link bal
		           JOIN authors a ON a.id = bal.author
		           WHERE bal.book = b.id
		       ), '')
		FROM books b
		JOIN data d ON d.book = b.id
		WHERE d.format IN (%s)
		  AND b.id > ?
		  AND (b.id %% ?) = ?
		ORDER BY b.id
		LIMIT ?`, formatPlaceholders())

	args := make([]any, 0, len(formats)+4)
	for _, f := range formats {
		args = append(args, f)
	}
	args = append(args, lastKey, nShards, shardID%nShards, limit)

	var records []Record
	err := retry.Do(
		func() error {
			rows, err := c.db.QueryContext(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			records = records[:0]
			for rows.Next() {
				var (
					r       Record
					relPath string
					name    string
					authors string
				)
				if err := rows.Scan(&r.Key, &relPath, &name, &r.FormatHint, &r.Title, &r.SeriesIndex, &authors); err != nil {
					return err
				}
				r.Path = filepath.Join(c.libraryDir, relPath, name+"."+strings.ToLower(r.FormatHint))
				if authors != "" {
					r.Authors = strings.Split(authors, " & ")
				}
				records = append(records, r)
			}
			return rows.Err()
		},
		retry.Context(ctx),
		retry.Attempts(queryAttempts),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog batch query failed: %w", err)
	}
	return records, nil
}

// CountTotal returns the number of candidate files in the catalog. Used for
// reporting only.
func (c *Catalog) CountTotal(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM books b
		JOIN data d ON d.book = b.id
		WHERE d.format IN (%s)`, formatPlaceholders())

	args := make([]any, 0, len(formats))
	for _, f := range formats {
		args = append(args, f)
	}

	var count int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("catalog count query failed: %w", err)
	}
	return count, nil
}

// MaxKey returns the highest candidate key in the catalog, or 0 when empty.
func (c *Catalog) MaxKey(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(b.id), 0)
		FROM books b
		JOIN data d ON d.book = b.id
		WHERE d.format IN (%s)`, formatPlaceholders())

	args := make([]any, 0, len(formats))
	for _, f := range formats {
		args = append(args, f)
	}

	var max int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&max); err != nil {
		return 0, fmt.Errorf("catalog max-key query failed: %w", err)
	}
	return max, nil
}
