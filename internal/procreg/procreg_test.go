package procreg_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/contprof/agent/internal/logging"
	"github.com/contprof/agent/internal/procreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndReapExited(t *testing.T) {
	logger := logging.New(logging.Config{Level: "error", Pretty: false})
	reg := procreg.New(logger)

	h, err := reg.Spawn([]string{"/bin/true"}, nil)
	require.NoError(t, err)
	require.NotNil(t, h)

	require.Eventually(t, func() bool { return !h.IsRunning() }, time.Second, 5*time.Millisecond)

	stats := reg.ReapExited()
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Cleaned)
	assert.Equal(t, 0, stats.StillRunning)
}

func TestReapExitedLeavesRunningProcessesAlone(t *testing.T) {
	logger := logging.New(logging.Config{Level: "error", Pretty: false})
	reg := procreg.New(logger)

	h, err := reg.Spawn([]string{"/bin/sleep", "5"}, func(cmd *exec.Cmd) {})
	require.NoError(t, err)

	stats := reg.ReapExited()
	assert.Equal(t, 1, stats.StillRunning)
	assert.Equal(t, 0, stats.Cleaned)

	reg.TerminateAll(100 * time.Millisecond)
	assert.False(t, h.IsRunning())
}

func TestTerminateAllReapsRegardlessOfSignalOutcome(t *testing.T) {
	logger := logging.New(logging.Config{Level: "error", Pretty: false})
	reg := procreg.New(logger)

	_, err := reg.Spawn([]string{"/bin/sleep", "5"}, nil)
	require.NoError(t, err)

	stats := reg.TerminateAll(200 * time.Millisecond)
	assert.Equal(t, 1, stats.Cleaned)
}
