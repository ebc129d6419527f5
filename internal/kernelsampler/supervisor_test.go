package kernelsampler_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/contprof/agent/internal/kernelsampler"
	"github.com/contprof/agent/internal/logging"
	"github.com/contprof/agent/internal/procreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *procreg.Registry {
	t.Helper()
	return procreg.New(logging.New(logging.Config{Level: "error"}))
}

func TestNewSupervisorStartsInInitState(t *testing.T) {
	dir := t.TempDir()
	cfg := kernelsampler.DefaultConfig("/bin/true", filepath.Join(dir, "kernel.data"))

	reg := newRegistry(t)
	sup := kernelsampler.New(cfg, reg, logging.New(logging.Config{Level: "error"}))

	assert.Equal(t, kernelsampler.StateInit, sup.State())
}

func TestStartWaitsForOutputFile(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "kernel.data")

	// Simulate the sampler: a short shell script that creates the output
	// file shortly after starting.
	script := filepath.Join(dir, "fake-perf.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 0.05\ntouch \"$6\"\nsleep 5\n"), 0o755))

	cfg := kernelsampler.DefaultConfig(script, output)
	cfg.DumpTimeout = 2 * time.Second
	cfg.SwitchTimeout = time.Second

	reg := newRegistry(t)
	sup := kernelsampler.New(cfg, reg, logging.New(logging.Config{Level: "error"}))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := sup.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, kernelsampler.StateDumped, sup.State())

	sup.Stop()
	reg.TerminateAll(time.Second)
}

func TestStartTimesOutWhenOutputNeverAppears(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "kernel.data")

	cfg := kernelsampler.DefaultConfig("/bin/sleep", output)
	cfg.DumpTimeout = 100 * time.Millisecond
	cfg.ExtraArgs = []string{"5"}

	reg := newRegistry(t)
	sup := kernelsampler.New(cfg, reg, logging.New(logging.Config{Level: "error"}))

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, kernelsampler.ErrOutputTimeout)
}

func TestStartRefusesWithoutEligibleCgroups(t *testing.T) {
	dir := t.TempDir()
	cfg := kernelsampler.DefaultConfig("/bin/true", filepath.Join(dir, "kernel.data"))
	cfg.ExtraArgs = []string{"--cgroup-scoped"}

	reg := newRegistry(t)
	sup := kernelsampler.New(cfg, reg, logging.New(logging.Config{Level: "error"}))

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, kernelsampler.ErrNoEligibleCgroups)
}

func TestDiscoverEventMarksDegradedWhenAllFamiliesSegfault(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "kernel.data")

	script := filepath.Join(dir, "fake-perf.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ntouch \"$6\"\nsleep 5\n"), 0o755))

	cfg := kernelsampler.DefaultConfig(script, output)
	cfg.DumpTimeout = time.Second

	reg := newRegistry(t)
	sup := kernelsampler.New(cfg, reg, logging.New(logging.Config{Level: "error"}))
	sup.SetProbeEvent(func(ctx context.Context, family kernelsampler.EventFamily) (bool, bool) {
		return false, true
	})

	err := sup.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, sup.Degraded())

	sup.Stop()
	reg.TerminateAll(time.Second)
}
