package runtimesampler_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contprof/agent/internal/logging"
	"github.com/contprof/agent/internal/procreg"
	"github.com/contprof/agent/internal/runtimeprofiler"
	"github.com/contprof/agent/internal/runtimesampler"
)

func TestProfileParsesCollapsedOutput(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.Config{Level: "error"})
	reg := procreg.New(logger)

	builder := func(pid int, duration time.Duration, outputPath string) []string {
		script := "printf 'a;b;c 5\\na;b;d 3\\n' > " + outputPath
		return []string{"/bin/sh", "-c", script}
	}

	s := runtimesampler.New("python", reg, dir, builder, runtimesampler.StaticProcessLister(nil), nil, logger)

	data, err := s.Profile(context.Background(), runtimeprofiler.Process{PID: 1234, Comm: "python"}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), data.Samples[1234]["a;b;c"])
	assert.Equal(t, uint64(3), data.Samples[1234]["a;b;d"])
}

func TestProfileKillsOnTimeout(t *testing.T) {
	dir := t.TempDir()
	logger := logging.New(logging.Config{Level: "error"})
	reg := procreg.New(logger)

	builder := func(pid int, duration time.Duration, outputPath string) []string {
		script := "sleep 30; printf 'x 1\\n' > " + outputPath
		return []string{"/bin/sh", "-c", script}
	}

	s := runtimesampler.New("java", reg, dir, builder, runtimesampler.StaticProcessLister(nil), nil, logger)

	start := time.Now()
	_, err := s.Profile(context.Background(), runtimeprofiler.Process{PID: 1}, 20*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestDiscoverByCommMatchesConfiguredNames(t *testing.T) {
	procRoot := t.TempDir()
	writeFakeProc(t, procRoot, 100, "python3")
	writeFakeProc(t, procRoot, 200, "bash")

	lister := runtimesampler.DiscoverByComm(procRoot, "python3", "python")
	procs, err := lister(context.Background())
	require.NoError(t, err)

	require.Len(t, procs, 1)
	assert.Equal(t, 100, procs[0].PID)
}

func writeFakeProc(t *testing.T, procRoot string, pid int, comm string) {
	t.Helper()
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
}
