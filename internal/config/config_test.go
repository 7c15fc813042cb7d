package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradereg/internal/canonical"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradereg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
legacy:
  dsn: legacy.db
target:
  dsn: target.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Legacy.Driver)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 0.05, cfg.Pipeline.FailureRateLimit)
	assert.Equal(t, []string{"-old"}, cfg.Pipeline.DuplicateSuffixes)
	assert.Equal(t, "fs", cfg.Blob.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
legacy:
  driver: pgx
  dsn: postgres://legacy
target:
  driver: pgx
  dsn: postgres://target
pipeline:
  workers: 8
  failure_rate_limit: 0.1
  duplicate_suffixes: ["-old", "-dup"]
blob:
  driver: s3
  bucket: tradereg-artifacts
  region: eu-west-1
categories:
  "wp": workers_pas
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pgx", cfg.Target.Driver)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, []string{"-old", "-dup"}, cfg.Pipeline.DuplicateSuffixes)
	assert.Equal(t, "tradereg-artifacts", cfg.BlobConfig().S3.Bucket)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadRejectsBadDriver(t *testing.T) {
	path := writeConfig(t, `
legacy:
  driver: oracle
  dsn: x
target:
  dsn: target.db
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "legacy.driver")
}

func TestLoadRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
legacy:
  dsn: legacy.db
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "target.dsn")
}

func TestLoadRejectsBadCategoryTarget(t *testing.T) {
	path := writeConfig(t, `
legacy:
  dsn: legacy.db
target:
  dsn: target.db
categories:
  "wp": "not-a-category"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "categories")
}

func TestCategoryTableMergesOverrides(t *testing.T) {
	path := writeConfig(t, `
legacy:
  dsn: legacy.db
target:
  dsn: target.db
categories:
  "WP ": workers_pas
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	table := cfg.CategoryTable()
	got, ok := table.Normalize("wp")
	require.True(t, ok)
	assert.Equal(t, canonical.CategoryWorkersPAS, got)
	// Built-in entries survive the merge.
	got, ok = table.Normalize("Formal")
	require.True(t, ok)
	assert.Equal(t, canonical.CategoryFormal, got)
}
