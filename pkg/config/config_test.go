package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o640))
}

func TestInitializeDefaultsOnly(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.ListenAddr)
	assert.Equal(t, "flush_per_append", cfg.Storage.Durability)
	assert.Equal(t, uint64(1000), cfg.Storage.SnapshotIntervalEvents)
	assert.Equal(t, 3, cfg.Sessions.MaxSessionsPerAgent)
	assert.Equal(t, time.Hour, cfg.Sessions.IdleSessionTimeout.Std())
	assert.Equal(t, 5*time.Minute+30*time.Second, cfg.Security.NonceRetention())
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), cfg.MasterSecret())
}

func TestInitializeOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("RELAY_DATA", "/var/lib/relay")

	dir := t.TempDir()
	writeConfig(t, dir, `
server:
  listen_addr: ":9000"
  log_format: json
storage:
  data_dir: ${RELAY_DATA}/events
  durability: flush_per_batch
  flush_interval: 250ms
security:
  create_rate: 30
  timeout_cap: 2m
fabric:
  inbox_capacity: 32
`)

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "json", cfg.Server.LogFormat)
	assert.Equal(t, "/var/lib/relay/events", cfg.Storage.DataDir)
	assert.Equal(t, "flush_per_batch", cfg.Storage.Durability)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.FlushInterval.Std())
	assert.Equal(t, float64(30), cfg.Security.CreateRate)
	assert.Equal(t, 2*time.Minute, cfg.Security.TimeoutCap.Std())
	assert.Equal(t, 32, cfg.Fabric.InboxCapacity)

	// Unset fields keep defaults.
	assert.Equal(t, float64(20), cfg.Security.RespondRate)
	assert.Equal(t, 30*time.Second, cfg.Fabric.MaxWait.Std())
}

func TestInitializeRejectsBadDurability(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "0123456789abcdef0123456789abcdef")
	dir := t.TempDir()
	writeConfig(t, dir, "storage:\n  durability: fsync_sometimes\n")

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "storage.durability")
}

func TestInitializeRequiresMasterSecret(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "short")
	_, err := Initialize(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "master_secret_env")
}

func TestInitializeRejectsMalformedYAML(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "0123456789abcdef0123456789abcdef")
	dir := t.TempDir()
	writeConfig(t, dir, "server: [not a mapping")

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestDurationUnmarshal(t *testing.T) {
	t.Setenv("RELAY_MASTER_SECRET", "0123456789abcdef0123456789abcdef")
	dir := t.TempDir()
	writeConfig(t, dir, "retention:\n  archive_retention: 36h\n")

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, cfg.Retention.ArchiveRetention.Std())
}
