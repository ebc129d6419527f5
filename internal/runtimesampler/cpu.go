package runtimesampler

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/contprof/agent/internal/constants"
	"github.com/contprof/agent/internal/safe"
)

// cpuPercent samples pid's CPU utilization over a short window
// (constants.CPUUsageProbeInterval) via gopsutil.
func cpuPercent(ctx context.Context, pid int) (float64, error) {
	pid32, clamped := safe.IntToInt32(pid)
	if clamped {
		return 0, fmt.Errorf("runtimesampler: pid %d out of int32 range", pid)
	}

	proc, err := process.NewProcessWithContext(ctx, pid32)
	if err != nil {
		return 0, err
	}
	return proc.PercentWithContext(ctx, constants.CPUUsageProbeInterval)
}
