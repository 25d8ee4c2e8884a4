package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chtmp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	chtmp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.Pool.MaxConns)
	assert.Equal(t, int32(2), cfg.Store.Pool.MinConns)
	assert.Equal(t, 200, cfg.Merge.BatchSize)
	assert.False(t, cfg.Merge.IncludeReview)
	assert.False(t, cfg.Merge.DryRun)
	assert.False(t, cfg.Converge.DryRun)
	assert.Equal(t, "sources.yaml", cfg.Ingest.SourcesFile)
	assert.Equal(t, 4, cfg.Ingest.Concurrency)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	chtmp(t)

	yaml := `
store:
  driver: sqlite
  database_url: happenings.db
merge:
  batch_size: 50
  include_review: true
log:
  level: debug
  format: console
`
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "happenings.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 50, cfg.Merge.BatchSize)
	assert.True(t, cfg.Merge.IncludeReview)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Ingest.Concurrency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	chtmp(t)

	yaml := "merge:\n  batch_size: 50\n"
	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("HAPPENINGS_MERGE_BATCH_SIZE", "25")
	t.Setenv("HAPPENINGS_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Merge.BatchSize)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadDotEnv(t *testing.T) {
	chtmp(t)

	dir, _ := os.Getwd()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HAPPENINGS_LOG_LEVEL=warn\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("HAPPENINGS_LOG_LEVEL") })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInitLoggerBadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	require.Error(t, err)
}
