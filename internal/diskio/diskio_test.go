package diskio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDiskstats(t *testing.T, path string, ticks uint64) {
	t.Helper()
	content := fmt.Sprintf(
		"   8       0 sda 1000 0 2000 300 500 0 900 200 0 %d 500 0 0 0 0 0 0\n"+
			" 259       0 nvme0n1 1 0 2 3 4 0 5 6 0 7 8 0 0 0 0 0 0\n",
		ticks,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUtilization(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diskstats")
	writeDiskstats(t, path, 0)

	s := &Sampler{Device: "sda", Path: path}

	// Rewrite the file mid-window from a goroutine timed inside the
	// sampling interval.
	go func() {
		time.Sleep(20 * time.Millisecond)
		writeDiskstats(t, path, 50) // 50ms of I/O during the window
	}()

	util, err := s.Utilization(context.Background(), 60*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if util <= 0 || util > 100 {
		t.Errorf("utilization = %.1f, want (0, 100]", util)
	}
}

func TestUtilizationUnknownDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diskstats")
	writeDiskstats(t, path, 0)

	s := &Sampler{Device: "sdz", Path: path}
	if _, err := s.Utilization(context.Background(), time.Millisecond); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestUtilizationIdleDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diskstats")
	writeDiskstats(t, path, 123)

	s := &Sampler{Device: "sda", Path: path}
	util, err := s.Utilization(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if util != 0 {
		t.Errorf("idle utilization = %.1f, want 0", util)
	}
}
