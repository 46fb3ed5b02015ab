package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "./lake", cfg.LakeRoot)
	assert.Equal(t, "public", cfg.DefaultSchema)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.MaxConnections)
	assert.Equal(t, 10*time.Minute, cfg.HandleTTL)
	assert.Equal(t, "", cfg.LakeS3Bucket)
	assert.False(t, cfg.LakeS3UsePathStyle)
}

func TestLoadLakeS3OverridesAreDecoded(t *testing.T) {
	cfg, err := Load(LoadOptions{Overrides: map[string]any{
		"lake_s3_bucket":         "my-lake",
		"lake_s3_region":         "eu-central-1",
		"lake_s3_endpoint":       "https://minio.internal:9000",
		"lake_s3_access_key":     "ak",
		"lake_s3_secret_key":     "sk",
		"lake_s3_use_path_style": true,
	}})
	require.NoError(t, err)
	assert.Equal(t, "my-lake", cfg.LakeS3Bucket)
	assert.Equal(t, "eu-central-1", cfg.LakeS3Region)
	assert.Equal(t, "https://minio.internal:9000", cfg.LakeS3Endpoint)
	assert.Equal(t, "ak", cfg.LakeS3AccessKey)
	assert.Equal(t, "sk", cfg.LakeS3SecretKey)
	assert.True(t, cfg.LakeS3UsePathStyle)
}

func TestToBoolParsesStringAndBoolForms(t *testing.T) {
	assert.True(t, toBool(true))
	assert.False(t, toBool(false))
	assert.True(t, toBool("true"))
	assert.False(t, toBool("false"))
	assert.False(t, toBool(nil))
	assert.False(t, toBool("not-a-bool"))
}

func TestLoadFileLayerOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
lake_root: /data/lake
log_level: debug
sources:
  widgets:
    connector_type: http
    target_table: widgets
    settings:
      url: https://example.com/widgets
`), 0o644))

	cfg, err := Load(LoadOptions{FilePath: path})
	require.NoError(t, err)
	assert.Equal(t, "/data/lake", cfg.LakeRoot)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Contains(t, cfg.Sources, "widgets")
	assert.Equal(t, "http", cfg.Sources["widgets"].ConnectorType)
	assert.Equal(t, "https://example.com/widgets", cfg.Sources["widgets"].Settings["url"])
}

func TestLoadEnvLayerOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	t.Setenv("DW_LOG_LEVEL", "warn")

	cfg, err := Load(LoadOptions{FilePath: path, EnvPrefix: "DW"})
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadOverridesLayerWinsOverEverything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	t.Setenv("DW_LOG_LEVEL", "warn")

	cfg, err := Load(LoadOptions{
		FilePath:  path,
		EnvPrefix: "DW",
		Overrides: map[string]any{"log_level": "error"},
	})
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoadMergesSourcesWithoutClobbering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  widgets:
    connector_type: http
  gadgets:
    connector_type: sql
`), 0o644))

	cfg, err := Load(LoadOptions{
		FilePath: path,
		Overrides: map[string]any{
			"sources": map[string]any{
				"widgets": map[string]any{"connector_type": "http", "target_table": "widgets_v2"},
			},
		},
	})
	require.NoError(t, err)
	require.Contains(t, cfg.Sources, "widgets")
	require.Contains(t, cfg.Sources, "gadgets")
	assert.Equal(t, "widgets_v2", cfg.Sources["widgets"].TargetTable)
}

func TestLoadRejectsMissingLakeRoot(t *testing.T) {
	_, err := Load(LoadOptions{Overrides: map[string]any{"lake_root": ""}})
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveMaxConnections(t *testing.T) {
	_, err := Load(LoadOptions{Overrides: map[string]any{"max_connections": 0}})
	assert.Error(t, err)
}

func TestLoadRejectsSourceWithoutConnectorType(t *testing.T) {
	_, err := Load(LoadOptions{
		Overrides: map[string]any{
			"sources": map[string]any{
				"widgets": map[string]any{"target_table": "widgets"},
			},
		},
	})
	assert.Error(t, err)
}

func TestLoadMissingFileIsIgnoredNotAnError(t *testing.T) {
	_, err := Load(LoadOptions{FilePath: "/does/not/exist.yaml"})
	assert.NoError(t, err)
}
