// Package metadata extracts book metadata from ebook files by shelling out
// to Calibre's ebook-meta tool, with a filename-derived fallback so a broken
// file never stalls the pipeline.
package metadata

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/bookherd/internal/sanitize"
)

// Record is the metadata attached to an upload.
type Record struct {
	Title       string   `json:"title"`
	Authors     []string `json:"authors,omitempty"`
	Language    string   `json:"language,omitempty"`
	Series      string   `json:"series,omitempty"`
	SeriesIndex *float64 `json:"series_index,omitempty"`

	// FromFallback marks records derived from the filename because the
	// extraction tool failed or produced nothing usable.
	FromFallback bool `json:"-"`
}

// maxAuthors caps the author list sent to the target API.
const maxAuthors = 20

// Extractor invokes ebook-meta to read metadata.
type Extractor struct {
	// ToolPath is the ebook-meta binary (default /usr/bin/ebook-meta).
	ToolPath string

	// Timeout bounds a single tool invocation.
	Timeout time.Duration

	// DefaultLanguage fills records with no language tag (empty disables).
	DefaultLanguage string

	Logger *slog.Logger
}

// NewExtractor returns an Extractor with defaults applied.
func NewExtractor(toolPath string, logger *slog.Logger) *Extractor {
	if toolPath == "" {
		toolPath = "/usr/bin/ebook-meta"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		ToolPath: toolPath,
		Timeout:  30 * time.Second,
		Logger:   logger,
	}
}

// Extract reads metadata for the file at path. It never returns an error:
// on any failure the filename-derived fallback record is returned instead,
// so extraction problems downgrade quality rather than halting migration.
func (e *Extractor) Extract(ctx context.Context, path string) Record {
	rec, ok := e.runTool(ctx, path)
	if !ok || rec.Title == "" {
		if !ok {
			e.Logger.Warn("metadata extraction failed, using filename fallback", "file", filepath.Base(path))
		}
		fb := Fallback(path)
		// Keep whatever fields the tool did produce.
		if rec.Title == "" {
			rec.Title = fb.Title
			rec.FromFallback = true
		}
		if len(rec.Authors) == 0 {
			rec.Authors = fb.Authors
		}
	}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		e.checkPDF(path)
	}

	if rec.Language == "" && e.DefaultLanguage != "" {
		rec.Language = e.DefaultLanguage
	}
	return clean(rec)
}

// runTool executes ebook-meta and parses its line-oriented output.
func (e *Extractor) runTool(ctx context.Context, path string) (Record, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, e.ToolPath, path).Output()
	if err != nil {
		return Record{}, false
	}
	return parseToolOutput(string(out)), true
}

// checkPDF verifies the PDF parses at all; corrupt PDFs are worth a warning
// before the upload round-trips to the server just to be rejected.
func (e *Extractor) checkPDF(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := api.PageCount(f, nil); err != nil {
		e.Logger.Warn("pdf does not parse cleanly", "file", filepath.Base(path), "error", err)
	}
}

// parseToolOutput parses ebook-meta's "Key: value" lines.
func parseToolOutput(out string) Record {
	var rec Record
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Title:"):
			rec.Title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case strings.HasPrefix(line, "Author(s):"):
			rec.Authors = parseAuthors(strings.TrimSpace(strings.TrimPrefix(line, "Author(s):")))
		case strings.HasPrefix(line, "Languages:"):
			rec.Language = firstLanguage(strings.TrimSpace(strings.TrimPrefix(line, "Languages:")))
		case strings.HasPrefix(line, "Language:"):
			rec.Language = firstLanguage(strings.TrimSpace(strings.TrimPrefix(line, "Language:")))
		case strings.HasPrefix(line, "Series:"):
			rec.Series, rec.SeriesIndex = parseSeries(strings.TrimSpace(strings.TrimPrefix(line, "Series:")))
		case strings.HasPrefix(line, "Series Index:"):
			if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "Series Index:")), 64); err == nil {
				rec.SeriesIndex = &v
			}
		}
	}
	return rec
}

// parseAuthors splits ebook-meta's ampersand-separated author list,
// stripping Calibre's "[sort name]" suffixes.
func parseAuthors(s string) []string {
	var authors []string
	for _, part := range strings.Split(s, "&") {
		name := strings.TrimSpace(part)
		if i := strings.Index(name, "["); i > 0 {
			name = strings.TrimSpace(name[:i])
		}
		if name != "" && name != "Unknown" {
			authors = append(authors, name)
		}
	}
	return authors
}

// parseSeries handles "Name #3" as emitted by newer ebook-meta versions.
func parseSeries(s string) (string, *float64) {
	if i := strings.LastIndex(s, "#"); i > 0 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s[i+1:]), 64); err == nil {
			return strings.TrimSpace(s[:i]), &v
		}
	}
	return s, nil
}

// firstLanguage takes the first entry of a comma-separated language list.
func firstLanguage(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Fallback derives a minimal record from the filename: title is the stem,
// author is "Unknown".
func Fallback(path string) Record {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return Record{
		Title:        stem,
		Authors:      []string{"Unknown"},
		FromFallback: true,
	}
}

// clean sanitizes and truncates every string field per the target's limits.
func clean(rec Record) Record {
	rec.Title = sanitize.Title(rec.Title)
	rec.Language = sanitize.Language(rec.Language)
	rec.Series = sanitize.Title(rec.Series)

	if len(rec.Authors) > maxAuthors {
		rec.Authors = rec.Authors[:maxAuthors]
	}
	cleaned := rec.Authors[:0]
	for _, a := range rec.Authors {
		if s := sanitize.Author(a); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	rec.Authors = cleaned
	return rec
}
