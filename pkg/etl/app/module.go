// Package app assembles the runner's components into an fx module. The CLI
// supplies the config sources; everything else is wired from providers.
package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/tidelake/stratum/pkg/etl/audit"
	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/config"
	"github.com/tidelake/stratum/pkg/etl/enforce"
	"github.com/tidelake/stratum/pkg/etl/load"
	"github.com/tidelake/stratum/pkg/etl/metrics"
	"github.com/tidelake/stratum/pkg/etl/migration"
	"github.com/tidelake/stratum/pkg/etl/orchestrate"
	"github.com/tidelake/stratum/pkg/etl/scd"
	"github.com/tidelake/stratum/pkg/etl/schema"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/tracker"
)

// EnvFilePath is the optional .env file path supplied by the CLI.
type EnvFilePath string

// Module provides every pipeline component.
var Module = fx.Options(
	fx.Provide(
		NewAppConfig,
		NewStoreConn,
		NewRecorder,
		migration.NewMigrator,
		fx.Annotate(catalog.NewSQLRepository, fx.As(new(catalog.Repository))),
		fx.Annotate(tracker.NewSQLTracker, fx.As(new(tracker.Tracker))),
		fx.Annotate(audit.NewSQLLog, fx.As(new(audit.Log))),
		NewSynthesizer,
		enforce.NewEnforcer,
		scd.NewEngine,
		NewLoader,
		orchestrate.NewOrchestrator,
	),
)

// NewAppConfig loads the application configuration from the embedded YAML,
// the optional .env file and environment overrides.
func NewAppConfig(envPath EnvFilePath, embedded config.EmbeddedConfig) (*config.Config, error) {
	return config.LoadConfig(string(envPath), embedded)
}

// NewStoreConn opens the warehouse store named by the configuration.
func NewStoreConn(cfg *config.Config) (store.Conn, error) {
	db, ok := cfg.Warehouse()
	if !ok {
		return nil, exception.Newf("app", exception.KindConfig,
			"no '%s' database configured", config.WarehouseDBName)
	}
	return store.Open(db, cfg.Stratum.System.Logging.Level)
}

// NewSynthesizer builds the schema synthesizer for the store's dialect.
func NewSynthesizer(conn store.Conn) *schema.Synthesizer {
	return schema.NewSynthesizer(conn.Dialect())
}

// NewLoader builds the load strategy runner with the configured chunk size
// and statement parameter cap.
func NewLoader(conn store.Conn, engine *scd.Engine, trk tracker.Tracker, cfg *config.Config) *load.Loader {
	return load.NewLoader(conn, engine, trk, cfg.Stratum.Batch.ChunkSize, cfg.Stratum.Batch.MaxStatementParams)
}

// NewRecorder returns the Prometheus recorder when metrics are enabled and a
// no-op recorder otherwise. The enabled recorder also starts the /metrics
// endpoint.
func NewRecorder(cfg *config.Config) metrics.Recorder {
	if !cfg.Stratum.Metrics.Enabled {
		return metrics.NoopRecorder{}
	}
	rec := metrics.NewPrometheusRecorder(prometheus.DefaultRegisterer)
	metrics.Serve(cfg.Stratum.Metrics.Listen)
	return rec
}
