package archive

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// extractionCandidate is one existing staging folder considered for reuse.
type extractionCandidate struct {
	path      string
	fileCount int
	mtime     time.Time
}

// FindReusableExtraction scans stagingDir for extraction folders left by an
// earlier run of archive base name. The best candidate is the non-empty
// folder with the most files, ties broken by most-recent mtime. Returns ""
// when nothing usable exists.
func FindReusableExtraction(stagingDir, baseName string) string {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return ""
	}

	var candidates []extractionCandidate
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), baseName+"_") {
			continue
		}
		dir := filepath.Join(stagingDir, e.Name())
		count := countFiles(dir)
		if count == 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, extractionCandidate{
			path:      dir,
			fileCount: count,
			mtime:     info.ModTime(),
		})
	}
	if len(candidates) == 0 {
		return ""
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.fileCount > best.fileCount ||
			(c.fileCount == best.fileCount && c.mtime.After(best.mtime)) {
			best = c
		}
	}
	return best.path
}

func countFiles(dir string) int {
	count := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count
}

// ebookExtensions are the file types streamed out of an extraction folder.
var ebookExtensions = map[string]struct{}{
	".epub": {}, ".fb2": {}, ".pdf": {}, ".mobi": {}, ".azw3": {}, ".txt": {},
	".djvu": {}, ".cbz": {}, ".cbr": {}, ".lit": {},
}

// ListEbookFiles walks an extraction folder and returns candidate files in
// deterministic order.
func ListEbookFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := ebookExtensions[strings.ToLower(filepath.Ext(path))]; ok {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
