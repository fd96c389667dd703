// Package patch implements the supervisor's structured code-fix artifact.
// A patch is a tagged variant — whole-function replacement, contextual
// string replacement, or a unified diff — never free-form text. Application
// always snapshots the target to a timestamped backup, validates the result
// parses as Go, and rolls back on any failure.
package patch

import (
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind tags the patch variant.
type Kind string

const (
	KindFunctionReplace Kind = "function_replace"
	KindReplace         Kind = "replace"
	KindUnifiedDiff     Kind = "unified_diff"
)

// Patch is one validated code change.
type Patch struct {
	Kind Kind `json:"kind"`

	// FunctionReplace: the function to replace and its full new source,
	// starting at "func".
	FunctionName string `json:"function_name,omitempty"`
	Body         string `json:"body,omitempty"`

	// Replace: exact old fragment, its replacement, and optional
	// disambiguating context lines around the site.
	ContextBefore string `json:"context_before,omitempty"`
	Old           string `json:"old,omitempty"`
	New           string `json:"new,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`

	// UnifiedDiff: raw hunks ("@@ -l,c +l,c @@" blocks).
	Diff string `json:"diff,omitempty"`
}

// FromJSON parses and structurally validates a patch document.
func FromJSON(data []byte) (*Patch, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("patch document unparseable: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the variant's required fields.
func (p *Patch) Validate() error {
	switch p.Kind {
	case KindFunctionReplace:
		if p.FunctionName == "" || !strings.HasPrefix(strings.TrimSpace(p.Body), "func") {
			return fmt.Errorf("function_replace patch needs function_name and a body starting with func")
		}
	case KindReplace:
		if p.Old == "" || p.Old == p.New {
			return fmt.Errorf("replace patch needs a non-empty old fragment different from new")
		}
	case KindUnifiedDiff:
		if !strings.Contains(p.Diff, "@@") {
			return fmt.Errorf("unified_diff patch carries no hunks")
		}
	default:
		return fmt.Errorf("unknown patch kind %q", p.Kind)
	}
	return nil
}

// Result reports a completed application.
type Result struct {
	BackupPath string
	Applied    bool
}

// Apply snapshots path into backupDir, rewrites it according to the patch,
// and validates the result parses as Go. Any failure restores the backup
// and returns the error; the target file is never left broken.
func (p *Patch) Apply(path, backupDir string) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patch target unreadable: %w", err)
	}

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("backup dir: %w", err)
	}
	backup := filepath.Join(backupDir,
		fmt.Sprintf("%s.backup.%s", filepath.Base(path), time.Now().Format("20060102_150405")))
	if err := os.WriteFile(backup, src, 0o644); err != nil {
		return nil, fmt.Errorf("backup write failed: %w", err)
	}

	patched, err := p.rewrite(string(src))
	if err != nil {
		return &Result{BackupPath: backup}, err
	}

	// Syntactic gate: the patched source must still parse as Go.
	fset := token.NewFileSet()
	if _, perr := parser.ParseFile(fset, filepath.Base(path), patched, parser.AllErrors); perr != nil {
		return &Result{BackupPath: backup}, fmt.Errorf("patched source does not parse: %w", perr)
	}

	if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
		// Try to put the original back before reporting.
		_ = os.WriteFile(path, src, 0o644)
		return &Result{BackupPath: backup}, fmt.Errorf("patched write failed: %w", err)
	}
	return &Result{BackupPath: backup, Applied: true}, nil
}

// Restore copies a backup over the target file.
func Restore(backupPath, targetPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("backup unreadable: %w", err)
	}
	return os.WriteFile(targetPath, data, 0o644)
}

// rewrite produces the patched source text.
func (p *Patch) rewrite(src string) (string, error) {
	switch p.Kind {
	case KindFunctionReplace:
		return p.replaceFunction(src)
	case KindReplace:
		return p.replaceFragment(src)
	case KindUnifiedDiff:
		return applyUnifiedDiff(src, p.Diff)
	}
	return "", fmt.Errorf("unknown patch kind %q", p.Kind)
}

// replaceFunction swaps the named top-level function's source range for the
// patch body. Methods match on the bare name too.
func (p *Patch) replaceFunction(src string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "target.go", src, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("patch target does not parse before patching: %w", err)
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Name.Name != p.FunctionName {
			continue
		}
		start := fset.Position(fn.Pos()).Offset
		if fn.Doc != nil {
			start = fset.Position(fn.Doc.Pos()).Offset
		}
		end := fset.Position(fn.End()).Offset
		return src[:start] + strings.TrimRight(p.Body, "\n") + "\n" + src[end:], nil
	}
	return "", fmt.Errorf("function %s not found in patch target", p.FunctionName)
}

// replaceFragment applies a contextual string replacement; the old fragment
// (with its context) must match exactly once.
func (p *Patch) replaceFragment(src string) (string, error) {
	needle := p.ContextBefore + p.Old + p.ContextAfter
	count := strings.Count(src, needle)
	if count == 0 {
		return "", fmt.Errorf("replace patch: old fragment not found")
	}
	if count > 1 {
		return "", fmt.Errorf("replace patch: old fragment matches %d sites, need exactly one", count)
	}
	return strings.Replace(src, needle, p.ContextBefore+p.New+p.ContextAfter, 1), nil
}
