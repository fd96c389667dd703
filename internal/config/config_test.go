package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Worker.BatchSize != 1000 {
		t.Errorf("batch size = %d", cfg.Worker.BatchSize)
	}
	if cfg.Worker.ParallelUploads != 1 {
		t.Errorf("parallel uploads = %d", cfg.Worker.ParallelUploads)
	}
	if cfg.Supervisor.MaxWorkers != 8 {
		t.Errorf("max workers = %d", cfg.Supervisor.MaxWorkers)
	}
	if cfg.Supervisor.LLMEnabled {
		t.Error("llm should default off")
	}
	if cfg.Supervisor.EnableCodeFixes {
		t.Error("code fixes should default off")
	}
	if cfg.Target.MaxUploadSizeMB != 500 {
		t.Errorf("upload cap = %d", cfg.Target.MaxUploadSizeMB)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("BOOKHERD_TEST_SECRET", "s3cret")

	tests := []struct {
		input string
		want  string
	}{
		{"${BOOKHERD_TEST_SECRET}", "s3cret"},
		{"prefix-${BOOKHERD_TEST_SECRET}-suffix", "prefix-s3cret-suffix"},
		{"no vars here", "no vars here"},
		{"", ""},
		{"${UNSET_VAR_XYZ}", ""},
	}
	for _, tt := range tests {
		if got := ResolveEnvVars(tt.input); got != tt.want {
			t.Errorf("ResolveEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"target:", "worker:", "supervisor:", "batch_size: 1000", "${BOOKHERD_TARGET_USERNAME}"} {
		if !strings.Contains(content, want) {
			t.Errorf("default config missing %q", want)
		}
	}
}
