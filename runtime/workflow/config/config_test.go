package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/workflow/admission"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, admission.ModeManual, cfg.ValidationMode)
	require.Equal(t, admission.DefaultPolicy(), cfg.Policy())
	require.Equal(t, 10*time.Minute, cfg.Cleanup.Interval)
	require.Equal(t, cfg.Cleanup.Interval, cfg.Cleanup.Retention)
	require.Empty(t, cfg.Redis.Addr)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
validation_mode: automatic
admission:
  automatic_limit: 5
cleanup:
  interval: 2m
  retention: 1h
redis:
  addr: localhost:6379
mongo:
  uri: mongodb://localhost:27017
`), 0o600))
	t.Setenv("SWITCHBOARD_SUPERVISED_LIMIT", "2")
	t.Setenv("TEMPORAL_HOSTPORT", "localhost:7233")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, admission.ModeAutomatic, cfg.ValidationMode)
	require.Equal(t, admission.Policy{AutomaticLimit: 5, SupervisedLimit: 2}, cfg.Policy())
	require.Equal(t, 2*time.Minute, cfg.Cleanup.Interval)
	require.Equal(t, time.Hour, cfg.Cleanup.Retention)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, "switchboard/events", cfg.Redis.Stream)
	require.Equal(t, "localhost:7233", cfg.Temporal.HostPort)
	require.Equal(t, "workflows", cfg.Mongo.Collection)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("SWITCHBOARD_VALIDATION_MODE", "sometimes")
	_, err := Load("")
	require.ErrorIs(t, err, admission.ErrInvalidMode)
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("SWITCHBOARD_CLEANUP_INTERVAL", "soon")
	_, err := Load("")
	require.ErrorContains(t, err, "SWITCHBOARD_CLEANUP_INTERVAL")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Cleanup.Retention = cfg.Cleanup.Interval
	require.NoError(t, cfg.Validate())

	cfg.Admission.SupervisedLimit = 0
	cfg.Gates.MaxPending = 0
	cfg.Redis = RedisConfig{Addr: "localhost:6379"}
	err := cfg.Validate()
	require.ErrorContains(t, err, "supervised limit")
	require.ErrorContains(t, err, "max pending")
	require.ErrorContains(t, err, "redis stream")
}
