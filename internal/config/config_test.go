package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/contprof/agent/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default().CollectorEndpoint, cfg.CollectorEndpoint)
}

func TestLoadParsesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "collector_endpoint: https://collector.internal:9443\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://collector.internal:9443", cfg.CollectorEndpoint)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("PROFILEAGENT_LOG_LEVEL", "trace")
	t.Setenv("PROFILEAGENT_HEARTBEAT_INTERVAL", "45s")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatInterval)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := config.Default()
	cfg.LogLevel = "warn"

	require.NoError(t, config.Save(cfg, path))

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", reloaded.LogLevel)
}
