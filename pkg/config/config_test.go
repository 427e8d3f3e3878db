package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "warden-audit.jsonl", cfg.AuditLogPath)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout.Std())
	assert.Equal(t, 4, cfg.Sandbox.ConcurrencyLimit)
	assert.InDelta(t, 0.70, cfg.Score.MinScore, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WARDEN_AUDIT_LOG", "/var/log/warden.jsonl")
	t.Setenv("WARDEN_DATABASE", "/var/lib/warden.db")
	t.Setenv("WARDEN_LOCK_TIMEOUT", "10s")
	t.Setenv("WARDEN_SANDBOX_CONCURRENCY", "8")
	t.Setenv("WARDEN_MIN_SCORE", "0.85")

	cfg := Load()
	assert.Equal(t, "/var/log/warden.jsonl", cfg.AuditLogPath)
	assert.Equal(t, "/var/lib/warden.db", cfg.DatabasePath)
	assert.Equal(t, 10*time.Second, cfg.LockTimeout.Std())
	assert.Equal(t, 8, cfg.Sandbox.ConcurrencyLimit)
	assert.InDelta(t, 0.85, cfg.Score.MinScore, 1e-9)
}

func TestLoadIgnoresInvalidEnvironmentValues(t *testing.T) {
	t.Setenv("WARDEN_LOCK_TIMEOUT", "soon")
	t.Setenv("WARDEN_SANDBOX_CONCURRENCY", "-3")
	t.Setenv("WARDEN_MIN_SCORE", "1.5")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.LockTimeout.Std())
	assert.Equal(t, 4, cfg.Sandbox.ConcurrencyLimit)
	assert.InDelta(t, 0.70, cfg.Score.MinScore, 1e-9)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
audit_log_path: /data/audit.jsonl
lock_timeout: 2s
sandbox:
  concurrency_limit: 2
  grace_period: 1s
  slot_timeout: 15s
score:
  min_score: 0.9
`), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(cfg, path))
	assert.Equal(t, "/data/audit.jsonl", cfg.AuditLogPath)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout.Std())
	assert.Equal(t, 2, cfg.Sandbox.ConcurrencyLimit)
	assert.Equal(t, time.Second, cfg.Sandbox.GracePeriod.Std())
	assert.InDelta(t, 0.9, cfg.Score.MinScore, 1e-9)
}

func TestLoadFileRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte("score:\n  min_score: 0\n"), 0o644))

	cfg := Default()
	err := LoadFile(cfg, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_score")
}

func TestLoadFileMissing(t *testing.T) {
	err := LoadFile(Default(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	cfg := Default()
	require.NoError(t, LoadFile(cfg, path))
	assert.Equal(t, Default(), cfg)
}
