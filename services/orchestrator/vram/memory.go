// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vram

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lumenforge/modelhost/pkg/logging"
)

// MemoryStatus is one on-demand sample of host memory and pressure.
// All values are non-negative and UsedGB <= TotalGB.
type MemoryStatus struct {
	TotalGB           float64 `json:"total_gb"`
	UsedGB            float64 `json:"used_gb"`
	AvailableGB       float64 `json:"available_gb"`
	ModelUsageGB      float64 `json:"model_usage_gb"`
	PressureSomeAvg10 float64 `json:"pressure_some_avg10"`
	PressureFullAvg10 float64 `json:"pressure_full_avg10"`
}

// MemoryMonitor samples host memory state and performs the one OS-level
// intervention the orchestrator needs: dropping the filesystem buffer
// cache ahead of very large model loads.
type MemoryMonitor interface {
	Sample(ctx context.Context) (MemoryStatus, error)
	FlushBufferCache(ctx context.Context) error
}

// =============================================================================
// Proc-based Monitor
// =============================================================================

// ProcMemoryMonitor reads /proc/meminfo and the PSI memory file, and
// writes /proc/sys/vm/drop_caches for the buffer-cache flush. Paths are
// fields so tests can point at fixtures.
//
// Unified-memory hosts are the deployment target, so host RAM stands in
// for VRAM; a discrete-GPU build would swap this implementation.
type ProcMemoryMonitor struct {
	MeminfoPath    string
	PressurePath   string
	DropCachesPath string
}

// NewProcMemoryMonitor returns a monitor wired to the live /proc paths.
func NewProcMemoryMonitor() *ProcMemoryMonitor {
	return &ProcMemoryMonitor{
		MeminfoPath:    "/proc/meminfo",
		PressurePath:   "/proc/pressure/memory",
		DropCachesPath: "/proc/sys/vm/drop_caches",
	}
}

// Sample implements MemoryMonitor.
func (m *ProcMemoryMonitor) Sample(ctx context.Context) (MemoryStatus, error) {
	var status MemoryStatus

	raw, err := os.ReadFile(m.MeminfoPath)
	if err != nil {
		return status, fmt.Errorf("reading %s: %w", m.MeminfoPath, err)
	}
	total, available := parseMeminfo(string(raw))
	status.TotalGB = kbToGB(total)
	status.AvailableGB = kbToGB(available)
	status.UsedGB = status.TotalGB - status.AvailableGB
	if status.UsedGB < 0 {
		status.UsedGB = 0
	}

	// PSI is optional; containers without the pressure interface still
	// get the meminfo numbers.
	if psi, err := os.ReadFile(m.PressurePath); err == nil {
		status.PressureSomeAvg10, status.PressureFullAvg10 = parsePressure(string(psi))
	}

	return status, nil
}

// FlushBufferCache implements MemoryMonitor. Writes "3" to drop_caches,
// releasing pagecache, dentries and inodes. Requires privilege; a
// permission failure is reported, not fatal, and the caller proceeds
// with the load anyway.
func (m *ProcMemoryMonitor) FlushBufferCache(ctx context.Context) error {
	logger := logging.For("memory_monitor")
	if err := os.WriteFile(m.DropCachesPath, []byte("3\n"), 0o644); err != nil {
		logger.Warn("buffer cache flush failed", "path", m.DropCachesPath, "error", err)
		return fmt.Errorf("writing %s: %w", m.DropCachesPath, err)
	}
	logger.Info("buffer cache flushed")
	return nil
}

func kbToGB(kb int64) float64 {
	return float64(kb) / (1024 * 1024)
}

// parseMeminfo extracts MemTotal and MemAvailable in kB.
func parseMeminfo(raw string) (total, available int64) {
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	return total, available
}

// parsePressure extracts the avg10 values from the "some" and "full"
// lines of a PSI memory file.
func parsePressure(raw string) (someAvg10, fullAvg10 float64) {
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		var target *float64
		switch fields[0] {
		case "some":
			target = &someAvg10
		case "full":
			target = &fullAvg10
		default:
			continue
		}
		for _, f := range fields[1:] {
			if v, ok := strings.CutPrefix(f, "avg10="); ok {
				if parsed, err := strconv.ParseFloat(v, 64); err == nil {
					*target = parsed
				}
			}
		}
	}
	return someAvg10, fullAvg10
}

// =============================================================================
// Nop Monitor
// =============================================================================

// NopMemoryMonitor reports fixed values and skips the cache flush.
// Used in tests and on hosts without /proc.
type NopMemoryMonitor struct {
	Status MemoryStatus
}

func (m *NopMemoryMonitor) Sample(ctx context.Context) (MemoryStatus, error) {
	return m.Status, nil
}

func (m *NopMemoryMonitor) FlushBufferCache(ctx context.Context) error { return nil }

var (
	_ MemoryMonitor = (*ProcMemoryMonitor)(nil)
	_ MemoryMonitor = (*NopMemoryMonitor)(nil)
)
