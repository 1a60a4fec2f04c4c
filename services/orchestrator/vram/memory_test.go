// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vram

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMeminfo = `MemTotal:       131072000 kB
MemFree:        10485760 kB
MemAvailable:   52428800 kB
Buffers:          123456 kB
Cached:         20971520 kB
`

const samplePressure = `some avg10=1.23 avg60=0.80 avg300=0.40 total=123456789
full avg10=0.45 avg60=0.20 avg300=0.10 total=98765432
`

func TestProcMemoryMonitor_Sample(t *testing.T) {
	dir := t.TempDir()
	meminfo := filepath.Join(dir, "meminfo")
	pressure := filepath.Join(dir, "pressure")
	require.NoError(t, os.WriteFile(meminfo, []byte(sampleMeminfo), 0o644))
	require.NoError(t, os.WriteFile(pressure, []byte(samplePressure), 0o644))

	monitor := &ProcMemoryMonitor{
		MeminfoPath:  meminfo,
		PressurePath: pressure,
	}

	status, err := monitor.Sample(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 125.0, status.TotalGB, 0.01)
	assert.InDelta(t, 50.0, status.AvailableGB, 0.01)
	assert.InDelta(t, 75.0, status.UsedGB, 0.01)
	assert.InDelta(t, 1.23, status.PressureSomeAvg10, 0.001)
	assert.InDelta(t, 0.45, status.PressureFullAvg10, 0.001)
	assert.LessOrEqual(t, status.UsedGB, status.TotalGB)
}

func TestProcMemoryMonitor_SampleWithoutPressureFile(t *testing.T) {
	dir := t.TempDir()
	meminfo := filepath.Join(dir, "meminfo")
	require.NoError(t, os.WriteFile(meminfo, []byte(sampleMeminfo), 0o644))

	monitor := &ProcMemoryMonitor{
		MeminfoPath:  meminfo,
		PressurePath: filepath.Join(dir, "missing"),
	}

	status, err := monitor.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, status.PressureSomeAvg10)
}

func TestProcMemoryMonitor_FlushBufferCache(t *testing.T) {
	dir := t.TempDir()
	dropPath := filepath.Join(dir, "drop_caches")
	monitor := &ProcMemoryMonitor{DropCachesPath: dropPath}

	require.NoError(t, monitor.FlushBufferCache(context.Background()))

	raw, err := os.ReadFile(dropPath)
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(raw))
}
