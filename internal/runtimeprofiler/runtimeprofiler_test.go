package runtimeprofiler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/contprof/agent/internal/logging"
	"github.com/contprof/agent/internal/profile"
	"github.com/contprof/agent/internal/runtimeprofiler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	name       string
	candidates []runtimeprofiler.Process
	skip       map[int]bool
	cpuPct     map[int]float64
	failPIDs   map[int]error

	mu      sync.Mutex
	profiled []int
}

func (f *fakeSampler) Name() string { return f.name }

func (f *fakeSampler) EnumerateCandidates(ctx context.Context) ([]runtimeprofiler.Process, error) {
	return f.candidates, nil
}

func (f *fakeSampler) ShouldSkip(p runtimeprofiler.Process) bool {
	return f.skip[p.PID]
}

func (f *fakeSampler) CPUPercent(ctx context.Context, pid int) (float64, error) {
	return f.cpuPct[pid], nil
}

func (f *fakeSampler) Profile(ctx context.Context, p runtimeprofiler.Process, duration time.Duration) (profile.Data, error) {
	f.mu.Lock()
	f.profiled = append(f.profiled, p.PID)
	f.mu.Unlock()

	if err, ok := f.failPIDs[p.PID]; ok {
		return profile.Data{}, err
	}
	return profile.Data{
		Samples: profile.ProcessToStackSampleCounters{
			p.PID: {"main;work": 10},
		},
	}, nil
}

func TestSchedulerFiltersAndProfiles(t *testing.T) {
	sampler := &fakeSampler{
		name: "python",
		candidates: []runtimeprofiler.Process{
			{PID: 1, Comm: "python3"},
			{PID: 2, Comm: "python3"},
		},
		skip: map[int]bool{2: true},
	}

	sched := runtimeprofiler.New(sampler, logging.New(logging.Config{Level: "error"}))
	results, err := sched.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, results, 1)
	assert.Contains(t, results, 1)
	assert.NotContains(t, results, 2)
}

func TestSchedulerRanksByTopCPUUnderCap(t *testing.T) {
	sampler := &fakeSampler{
		name: "python",
		candidates: []runtimeprofiler.Process{
			{PID: 1}, {PID: 2}, {PID: 3},
		},
		skip:   map[int]bool{},
		cpuPct: map[int]float64{1: 10, 2: 90, 3: 50},
	}

	sched := runtimeprofiler.New(sampler, logging.New(logging.Config{Level: "error"}))
	results, err := sched.RunWithConfig(context.Background(), runtimeprofiler.Config{MaxProcesses: 2})
	require.NoError(t, err)

	assert.Len(t, results, 2)
	assert.Contains(t, results, 2)
	assert.Contains(t, results, 3)
	assert.NotContains(t, results, 1)
}

func TestSchedulerAbsorbsPerTargetFailures(t *testing.T) {
	sampler := &fakeSampler{
		name: "ruby",
		candidates: []runtimeprofiler.Process{
			{PID: 1, Comm: "ruby"},
			{PID: 2, Comm: "ruby"},
		},
		skip: map[int]bool{},
		failPIDs: map[int]error{
			1: runtimeprofiler.ErrProcessGone,
			2: errors.New("boom"),
		},
	}

	sched := runtimeprofiler.New(sampler, logging.New(logging.Config{Level: "error"}))
	results, err := sched.Run(context.Background())
	require.NoError(t, err)

	require.Contains(t, results, 1)
	assert.Contains(t, results[1].Samples[1], "error;process-gone;NoSuchProcess;ruby")

	require.Contains(t, results, 2)
	assert.Len(t, results[2].Samples[2], 1)
}

func TestIsProcessGone(t *testing.T) {
	assert.True(t, runtimeprofiler.IsProcessGone(runtimeprofiler.ErrProcessGone))
	assert.True(t, runtimeprofiler.IsProcessGone(errors.New("No such process")))
	assert.False(t, runtimeprofiler.IsProcessGone(errors.New("permission denied")))
}

func TestIsFatalSignal(t *testing.T) {
	assert.True(t, runtimeprofiler.IsFatalSignal("child died: signal 11"))
	assert.False(t, runtimeprofiler.IsFatalSignal("clean exit"))
}
