package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormtheory/packhowl/pkg/config"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":50443", cfg.Server.Listen)
	assert.Equal(t, 15, cfg.Server.MaxUsers)
	assert.Equal(t, 5*time.Minute, cfg.Access.BlockDuration)
	assert.Equal(t, 300*time.Millisecond, cfg.Relay.WatcherTick)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Admin.Enabled)
}

func TestLoad_LoadsFromYAML(t *testing.T) {
	path := writeTempConfig(t, `
server:
  listen: ":9443"
  max_users: 4
  whitelist_path: "/etc/packhowl/whitelist.txt"

access:
  block_duration: 2m
  sweep_interval: 30s

relay:
  watcher_tick: 200ms
  tx_decay: 250ms

logging:
  level: "debug"
  format: "console"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9443", cfg.Server.Listen)
	assert.Equal(t, 4, cfg.Server.MaxUsers)
	assert.Equal(t, "/etc/packhowl/whitelist.txt", cfg.Server.WhitelistPath)
	assert.Equal(t, 2*time.Minute, cfg.Access.BlockDuration)
	assert.Equal(t, 200*time.Millisecond, cfg.Relay.WatcherTick)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 256, cfg.Relay.SendBuffer)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PACKHOWL_LISTEN", ":7000")
	t.Setenv("PACKHOWL_LOG_LEVEL", "warn")

	cfg, err := config.Load("non-existent-config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Listen)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeTempConfig(t, `
server:
  max_users: 0
`)
	_, err := config.Load(path)
	assert.Error(t, err)

	path = writeTempConfig(t, `
access:
  block_duration: -1s
`)
	_, err = config.Load(path)
	assert.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	cfg := config.DefaultConfig()
	logger, err := cfg.BuildLogger()
	require.NoError(t, err)
	logger.Sync()

	cfg.Logging.Level = "not-a-level"
	_, err = cfg.BuildLogger()
	assert.Error(t, err)
}
