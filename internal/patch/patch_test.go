package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fixture = `package demo

import "fmt"

// Greet says hello.
func Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

func Add(a, b int) int {
	return a + b
}
`

func writeFixture(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.go")
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, filepath.Join(dir, "backups")
}

func TestFunctionReplace(t *testing.T) {
	path, backups := writeFixture(t)

	p := &Patch{
		Kind:         KindFunctionReplace,
		FunctionName: "Add",
		Body:         "func Add(a, b int) int {\n\treturn b + a\n}",
	}
	res, err := p.Apply(path, backups)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied {
		t.Fatal("not applied")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), "return b + a") {
		t.Error("replacement body missing")
	}
	if !strings.Contains(string(got), "Greet says hello") {
		t.Error("unrelated code disturbed")
	}

	// Backup holds the original.
	orig, err := os.ReadFile(res.BackupPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(orig) != fixture {
		t.Error("backup does not match original")
	}
}

func TestFunctionReplaceMissingFunction(t *testing.T) {
	path, backups := writeFixture(t)
	p := &Patch{
		Kind:         KindFunctionReplace,
		FunctionName: "Nope",
		Body:         "func Nope() {}",
	}
	if _, err := p.Apply(path, backups); err == nil {
		t.Fatal("expected error")
	}
	got, _ := os.ReadFile(path)
	if string(got) != fixture {
		t.Error("failed patch modified the target")
	}
}

func TestReplaceFragment(t *testing.T) {
	path, backups := writeFixture(t)
	p := &Patch{
		Kind: KindReplace,
		Old:  `return fmt.Sprintf("hello %s", name)`,
		New:  `return fmt.Sprintf("hi %s", name)`,
	}
	if _, err := p.Apply(path, backups); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if !strings.Contains(string(got), `"hi %s"`) {
		t.Error("fragment not replaced")
	}
}

func TestReplaceRejectsInvalidSyntax(t *testing.T) {
	path, backups := writeFixture(t)
	p := &Patch{
		Kind: KindReplace,
		Old:  "func Add(a, b int) int {",
		New:  "func Add(a, b int int {{{",
	}
	if _, err := p.Apply(path, backups); err == nil {
		t.Fatal("expected syntax validation to reject the patch")
	}
	got, _ := os.ReadFile(path)
	if string(got) != fixture {
		t.Error("invalid patch reached the target file")
	}
}

func TestReplaceAmbiguousFragment(t *testing.T) {
	path, backups := writeFixture(t)
	p := &Patch{
		Kind: KindReplace,
		Old:  "return",
		New:  "// nope\n\treturn",
	}
	if _, err := p.Apply(path, backups); err == nil {
		t.Fatal("expected ambiguity error for a fragment matching twice")
	}
}

func TestUnifiedDiff(t *testing.T) {
	path, backups := writeFixture(t)
	diff := `--- a/demo.go
+++ b/demo.go
@@ -10,3 +10,3 @@
 func Add(a, b int) int {
-	return a + b
+	return a * b
 }`

	p := &Patch{Kind: KindUnifiedDiff, Diff: diff}
	if _, err := p.Apply(path, backups); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if !strings.Contains(string(got), "return a * b") {
		t.Error("diff not applied")
	}
}

func TestUnifiedDiffContextMismatch(t *testing.T) {
	path, backups := writeFixture(t)
	diff := `@@ -10,3 +10,3 @@
 func Add(a, b int) int {
-	return something else
+	return a * b
 }`
	p := &Patch{Kind: KindUnifiedDiff, Diff: diff}
	if _, err := p.Apply(path, backups); err == nil {
		t.Fatal("expected mismatch error")
	}
	got, _ := os.ReadFile(path)
	if string(got) != fixture {
		t.Error("mismatched diff modified the target")
	}
}

func TestRestore(t *testing.T) {
	path, backups := writeFixture(t)
	p := &Patch{
		Kind: KindReplace,
		Old:  `"hello %s"`,
		New:  `"yo %s"`,
	}
	res, err := p.Apply(path, backups)
	if err != nil {
		t.Fatal(err)
	}
	if err := Restore(res.BackupPath, path); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != fixture {
		t.Error("restore did not bring back the original")
	}
}

func TestFromJSON(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid replace", `{"kind":"replace","old":"a","new":"b"}`, false},
		{"valid function", `{"kind":"function_replace","function_name":"F","body":"func F() {}"}`, false},
		{"missing body prefix", `{"kind":"function_replace","function_name":"F","body":"return 1"}`, true},
		{"unknown kind", `{"kind":"yolo"}`, true},
		{"empty old", `{"kind":"replace","old":"","new":"b"}`, true},
		{"diff without hunks", `{"kind":"unified_diff","diff":"hello"}`, true},
		{"garbage", `not json`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromJSON([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}
