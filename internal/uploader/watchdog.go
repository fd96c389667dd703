package uploader

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"
)

// watchdog tracks the process-level progress signals behind a stalled
// upload verdict: CPU time consumed and I/O byte counters. When procfs is
// unavailable the watchdog never trips and the hard ceiling is the only
// bound, matching the platform-fallback contract.
type watchdog struct {
	stallAfter   time.Duration
	lastProgress time.Time

	available bool
	lastCPU   int64
	lastIO    int64
}

func newWatchdog(stallAfter time.Duration) *watchdog {
	w := &watchdog{
		stallAfter:   stallAfter,
		lastProgress: time.Now(),
	}
	cpu, io, ok := sampleProc()
	w.available = ok
	w.lastCPU = cpu
	w.lastIO = io
	return w
}

// stalled samples the progress signals and reports whether none advanced
// for the stall window.
func (w *watchdog) stalled() bool {
	if !w.available {
		return false
	}

	cpu, io, ok := sampleProc()
	if !ok {
		w.available = false
		return false
	}

	if cpu != w.lastCPU || io != w.lastIO {
		w.lastCPU = cpu
		w.lastIO = io
		w.lastProgress = time.Now()
		return false
	}
	return time.Since(w.lastProgress) >= w.stallAfter
}

// sampleProc reads the process's CPU ticks and cumulative I/O bytes from
// procfs. ok is false on non-Linux platforms or restricted mounts.
func sampleProc() (cpu, io int64, ok bool) {
	cpu, cpuOK := readCPUTicks()
	io, ioOK := readIOBytes()
	if !cpuOK && !ioOK {
		return 0, 0, false
	}
	return cpu, io, true
}

// readCPUTicks returns utime+stime from /proc/self/stat.
func readCPUTicks() (int64, bool) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, false
	}
	// The comm field may contain spaces; fields start after the closing paren.
	end := bytes.LastIndexByte(data, ')')
	if end < 0 || end+2 >= len(data) {
		return 0, false
	}
	fields := strings.Fields(string(data[end+2:]))
	// After comm and state, utime and stime are fields 11 and 12 (0-based).
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseInt(fields[11], 10, 64)
	stime, err2 := strconv.ParseInt(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

// readIOBytes returns read_bytes+write_bytes from /proc/self/io.
func readIOBytes() (int64, bool) {
	data, err := os.ReadFile("/proc/self/io")
	if err != nil {
		return 0, false
	}
	var total int64
	found := false
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "read_bytes: "); ok {
			if v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
				total += v
				found = true
			}
		}
		if rest, ok := strings.CutPrefix(line, "write_bytes: "); ok {
			if v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
				total += v
				found = true
			}
		}
	}
	return total, found
}
