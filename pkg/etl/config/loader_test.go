package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelake/stratum/pkg/etl/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "UTC", cfg.Stratum.System.Timezone)
	assert.Equal(t, "INFO", cfg.Stratum.System.Logging.Level)
	assert.Equal(t, 500, cfg.Stratum.Batch.ChunkSize)
	assert.Equal(t, 32000, cfg.Stratum.Batch.MaxStatementParams)
	assert.False(t, cfg.Stratum.Metrics.Enabled)

	_, ok := cfg.Warehouse()
	assert.False(t, ok)
}

func TestLoadConfigMergesEmbeddedYAML(t *testing.T) {
	embedded := config.EmbeddedConfig(`
stratum:
  system:
    logging:
      level: DEBUG
  batch:
    chunk_size: 100
  database:
    warehouse:
      type: sqlite
      dsn: stratum.db
`)

	cfg, err := config.LoadConfig("", embedded)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Stratum.System.Logging.Level)
	assert.Equal(t, 100, cfg.Stratum.Batch.ChunkSize)
	// Values absent from the YAML keep their defaults.
	assert.Equal(t, "UTC", cfg.Stratum.System.Timezone)
	assert.Equal(t, 32000, cfg.Stratum.Batch.MaxStatementParams)

	db, ok := cfg.Warehouse()
	require.True(t, ok)
	assert.Equal(t, "sqlite", db.Type)
	assert.Equal(t, "stratum.db", db.DSN)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	_, err := config.LoadConfig("", config.EmbeddedConfig("stratum: [not: a: map"))
	assert.Error(t, err)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("STRATUM_LOG_LEVEL", "ERROR")
	t.Setenv("STRATUM_CHUNK_SIZE", "50")
	t.Setenv("STRATUM_DB_TYPE", "postgres")
	t.Setenv("STRATUM_DB_DSN", "host=localhost dbname=stratum")
	t.Setenv("STRATUM_METRICS_LISTEN", ":9999")

	cfg, err := config.LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "ERROR", cfg.Stratum.System.Logging.Level)
	assert.Equal(t, 50, cfg.Stratum.Batch.ChunkSize)
	assert.Equal(t, ":9999", cfg.Stratum.Metrics.Listen)
	assert.True(t, cfg.Stratum.Metrics.Enabled)

	db, ok := cfg.Warehouse()
	require.True(t, ok)
	assert.Equal(t, "postgres", db.Type)
	assert.Equal(t, "host=localhost dbname=stratum", db.DSN)
}

func TestLoadConfigIgnoresInvalidChunkSize(t *testing.T) {
	t.Setenv("STRATUM_CHUNK_SIZE", "not-a-number")

	cfg, err := config.LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Stratum.Batch.ChunkSize)
}
