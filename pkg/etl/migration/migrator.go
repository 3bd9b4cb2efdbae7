// Package migration creates the system tables (catalog, audit, tracker)
// through versioned, embedded SQL migrations.
package migration

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

const moduleName = "migration"

// MigrationsTable tracks applied versions.
const MigrationsTable = "etl_schema_migrations"

//go:embed sql/*.sql
var migrationFS embed.FS

// Migrator applies the system table migrations.
type Migrator struct {
	conn store.Conn
}

// NewMigrator creates a Migrator on the given store.
func NewMigrator(conn store.Conn) *Migrator {
	return &Migrator{conn: conn}
}

func (m *Migrator) databaseDriver(sqlDB *sql.DB) (database.Driver, error) {
	switch m.conn.Dialect().Name() {
	case "postgres":
		return postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: MigrationsTable})
	case "mysql":
		return mysql.WithInstance(sqlDB, &mysql.Config{MigrationsTable: MigrationsTable})
	case "sqlite":
		return sqlite.WithInstance(sqlDB, &sqlite.Config{MigrationsTable: MigrationsTable})
	default:
		return nil, fmt.Errorf("unsupported database type for migration: %s", m.conn.Dialect().Name())
	}
}

// Up applies all pending migrations. Already-applied versions are a no-op.
func (m *Migrator) Up(ctx context.Context) error {
	sqlDB, err := m.conn.SQLDB()
	if err != nil {
		return exception.New(moduleName, exception.KindConfig, "failed to get underlying sql.DB", err)
	}

	sourceDriver, err := iofs.New(migrationFS, "sql")
	if err != nil {
		return exception.New(moduleName, exception.KindConfig, "failed to create migration source", err)
	}
	dbDriver, err := m.databaseDriver(sqlDB)
	if err != nil {
		return exception.New(moduleName, exception.KindConfig, "failed to create migration driver", err)
	}

	instance, err := migrate.NewWithInstance("iofs", sourceDriver, m.conn.Dialect().Name(), dbDriver)
	if err != nil {
		return exception.New(moduleName, exception.KindConfig, "failed to create migrate instance", err)
	}

	if err := instance.Up(); err != nil && err != migrate.ErrNoChange {
		return exception.New(moduleName, exception.KindConfig, "system table migration failed", err)
	}
	logger.Infof("System table migrations are up to date.")
	return nil
}
