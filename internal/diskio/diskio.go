// Package diskio samples block-device utilization from /proc/diskstats,
// the signal the supervisor scales the worker fleet on. Utilization is the
// fraction of wall time the device spent with I/O in flight, the same
// number iostat reports as %util.
package diskio

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sampler measures utilization of one block device.
type Sampler struct {
	// Device is the bare device name as listed in diskstats (sda, nvme0n1).
	Device string

	// Path overrides /proc/diskstats (tests).
	Path string
}

// ioTicks returns the milliseconds the device has spent doing I/O
// (diskstats field 13).
func (s *Sampler) ioTicks() (uint64, error) {
	path := s.Path
	if path == "" {
		path = "/proc/diskstats"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 13 {
			continue
		}
		if fields[2] != s.Device {
			continue
		}
		ticks, err := strconv.ParseUint(fields[12], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed diskstats line for %s: %w", s.Device, err)
		}
		return ticks, nil
	}
	return 0, fmt.Errorf("device %s not found in %s", s.Device, path)
}

// Utilization samples the device over the given window and returns percent
// busy in [0, 100].
func (s *Sampler) Utilization(ctx context.Context, window time.Duration) (float64, error) {
	before, err := s.ioTicks()
	if err != nil {
		return 0, err
	}
	start := time.Now()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(window):
	}

	after, err := s.ioTicks()
	if err != nil {
		return 0, err
	}

	elapsed := time.Since(start).Milliseconds()
	if elapsed <= 0 {
		return 0, nil
	}
	util := float64(after-before) / float64(elapsed) * 100
	if util > 100 {
		util = 100
	}
	return util, nil
}
