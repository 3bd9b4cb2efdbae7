package config

// Package config provides structures and utilities for managing the runner's
// application configuration.

// EmbeddedConfig holds the content of the configuration file, typically passed from main.
type EmbeddedConfig []byte

// LogLevel defines the logging level for the application.
type LogLevel string

const (
	LogLevelDebug  LogLevel = "DEBUG"
	LogLevelInfo   LogLevel = "INFO"
	LogLevelWarn   LogLevel = "WARN"
	LogLevelError  LogLevel = "ERROR"
	LogLevelSilent LogLevel = "SILENT"
)

// DatabaseConfig holds the connection settings for one named database.
type DatabaseConfig struct {
	// Type is the driver type: "sqlite", "mysql" or "postgres".
	Type string `yaml:"type"`
	// DSN is the driver-specific data source name.
	DSN string `yaml:"dsn"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the logging level (e.g. "INFO", "DEBUG").
	Level string `yaml:"level"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	// Timezone is the application timezone (e.g. "UTC").
	Timezone string `yaml:"timezone"`
	// Logging is the logging configuration.
	Logging LoggingConfig `yaml:"logging"`
}

// BatchConfig holds settings for batch data movement.
type BatchConfig struct {
	// ChunkSize is the number of rows per bulk-insert statement before the
	// parameter limit is applied.
	ChunkSize int `yaml:"chunk_size"`
	// MaxStatementParams caps the number of bind parameters per statement;
	// bulk inserts are re-chunked so rows*columns never exceeds it.
	MaxStatementParams int `yaml:"max_statement_params"`
}

// MetricsConfig holds metrics exposure settings.
type MetricsConfig struct {
	// Enabled turns the Prometheus recorder on. When false a no-op recorder is used.
	Enabled bool `yaml:"enabled"`
	// Listen is the address the /metrics endpoint binds to (e.g. ":9105").
	Listen string `yaml:"listen"`
}

// StratumConfig holds all configuration under the "stratum" top-level key.
type StratumConfig struct {
	System SystemConfig `yaml:"system"`
	Batch  BatchConfig  `yaml:"batch"`
	// Database maps connection names to their settings. The "warehouse"
	// connection backs both the catalog/system tables and the data layers.
	Database map[string]DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig             `yaml:"metrics"`
}

// Config is the root structure for the entire application configuration.
type Config struct {
	Stratum StratumConfig `yaml:"stratum"`
}

// WarehouseDBName is the connection name used for the warehouse store.
const WarehouseDBName = "warehouse"

// NewConfig returns a new Config populated with default values.
func NewConfig() *Config {
	return &Config{
		Stratum: StratumConfig{
			System: SystemConfig{
				Timezone: "UTC",
				Logging:  LoggingConfig{Level: "INFO"},
			},
			Batch: BatchConfig{
				ChunkSize:          500,
				MaxStatementParams: 32000,
			},
			Database: map[string]DatabaseConfig{},
			Metrics:  MetricsConfig{Enabled: false, Listen: ":9105"},
		},
	}
}

// Warehouse returns the warehouse database settings.
func (c *Config) Warehouse() (DatabaseConfig, bool) {
	db, ok := c.Stratum.Database[WarehouseDBName]
	return db, ok
}
