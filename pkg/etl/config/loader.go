package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

const moduleName = "config"

// LoadConfig loads configuration in three layers: defaults from NewConfig,
// the embedded YAML, and finally environment variable overrides. It is
// expected to be called once during application startup.
func LoadConfig(envFilePath string, embedded EmbeddedConfig) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(); err != nil {
			logger.Debugf(".env file not found or could not be loaded: %v", err)
		}
	}

	cfg := NewConfig()

	if len(embedded) > 0 {
		var yamlConfig Config
		if err := yaml.Unmarshal(embedded, &yamlConfig); err != nil {
			return nil, exception.New(moduleName, exception.KindConfig, "failed to unmarshal embedded config", err)
		}
		mergeConfig(cfg, &yamlConfig)
	}

	applyEnvOverrides(cfg)

	logger.SetLogLevel(cfg.Stratum.System.Logging.Level)
	return cfg, nil
}

// mergeConfig overlays non-zero values from src onto dst.
func mergeConfig(dst, src *Config) {
	if src.Stratum.System.Timezone != "" {
		dst.Stratum.System.Timezone = src.Stratum.System.Timezone
	}
	if src.Stratum.System.Logging.Level != "" {
		dst.Stratum.System.Logging.Level = src.Stratum.System.Logging.Level
	}
	if src.Stratum.Batch.ChunkSize > 0 {
		dst.Stratum.Batch.ChunkSize = src.Stratum.Batch.ChunkSize
	}
	if src.Stratum.Batch.MaxStatementParams > 0 {
		dst.Stratum.Batch.MaxStatementParams = src.Stratum.Batch.MaxStatementParams
	}
	for name, db := range src.Stratum.Database {
		dst.Stratum.Database[name] = db
	}
	if src.Stratum.Metrics.Listen != "" {
		dst.Stratum.Metrics.Listen = src.Stratum.Metrics.Listen
	}
	if src.Stratum.Metrics.Enabled {
		dst.Stratum.Metrics.Enabled = true
	}
}

// applyEnvOverrides overrides selected settings from the process environment.
// STRATUM_DB_TYPE / STRATUM_DB_DSN override the warehouse connection so a
// deployment can swap the backing store without rebuilding the binary.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STRATUM_LOG_LEVEL"); v != "" {
		cfg.Stratum.System.Logging.Level = v
	}
	if v := os.Getenv("STRATUM_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stratum.Batch.ChunkSize = n
		} else {
			logger.Warnf("Ignoring invalid STRATUM_CHUNK_SIZE value '%s'.", v)
		}
	}
	dbType := os.Getenv("STRATUM_DB_TYPE")
	dbDSN := os.Getenv("STRATUM_DB_DSN")
	if dbType != "" || dbDSN != "" {
		db := cfg.Stratum.Database[WarehouseDBName]
		if dbType != "" {
			db.Type = dbType
		}
		if dbDSN != "" {
			db.DSN = dbDSN
		}
		cfg.Stratum.Database[WarehouseDBName] = db
	}
	if v := os.Getenv("STRATUM_METRICS_LISTEN"); v != "" {
		cfg.Stratum.Metrics.Listen = v
		cfg.Stratum.Metrics.Enabled = true
	}
}
