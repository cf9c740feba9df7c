package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadDefaults(t *testing.T) {
	l, err := Load("")
	require.NoError(t, err)

	cfg := l.Config()
	assert.Equal(t, 16, cfg.Sync.BatchSize)
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffCap)
	assert.Equal(t, 0.2, cfg.Sync.BackoffJitter)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthguide.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
caregiver_id: cg-42
server:
  url: https://api.example.com
  timeout: 5s
sync:
  batch_size: 32
  backoff_base: 1s
log:
  level: debug
`), 0644))

	l, err := Load(path)
	require.NoError(t, err)

	cfg := l.Config()
	assert.Equal(t, "cg-42", cfg.CaregiverID)
	assert.Equal(t, "https://api.example.com", cfg.Server.URL)
	assert.Equal(t, 5*time.Second, cfg.Server.Timeout)
	assert.Equal(t, 32, cfg.Sync.BatchSize)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep defaults
	assert.Equal(t, 4, cfg.Sync.MaxConcurrency)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthguide.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sync:
  batch_size: 0
`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWatchLogsAndKeepsSnapshotOnBadRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthguide.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  batch_size: 32\n"), 0644))

	l, err := Load(path)
	require.NoError(t, err)

	core, logs := observer.New(zap.ErrorLevel)
	var applied *Config
	handler := l.onChange(zap.New(core), func(next *Config) { applied = next })

	// a field edit breaks the file; viper re-reads it before firing the event
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  batch_size: 0\n"), 0644))
	require.NoError(t, l.v.ReadInConfig())
	handler(fsnotify.Event{Name: path})

	assert.Nil(t, applied)
	assert.Equal(t, 32, l.Config().Sync.BatchSize)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "ignoring invalid config rewrite", logs.All()[0].Message)

	// the corrected rewrite takes effect
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  batch_size: 64\n"), 0644))
	require.NoError(t, l.v.ReadInConfig())
	handler(fsnotify.Event{Name: path})

	require.NotNil(t, applied)
	assert.Equal(t, 64, l.Config().Sync.BatchSize)
}
