// Package store provides the explicit store handle threaded through every
// component of the runner. It abstracts the warehouse database behind a small
// interface so synthesis, enforcement and merge logic never touch a global
// engine object, and so all values travel as bind parameters.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Conn is the store handle. All multi-statement operations that must be
// atomic run inside Transaction; the Conn passed to the closure is bound to
// that transaction.
type Conn interface {
	// Exec executes a single statement with bind parameters and returns the
	// number of affected rows.
	Exec(ctx context.Context, query string, args ...interface{}) (int64, error)
	// QueryRows executes a query and returns every result row as a column
	// name to value map.
	QueryRows(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)
	// BulkInsert appends rows to a table in chunks of at most chunkSize
	// rows, further capped so rows*columns never exceeds maxParams bind
	// parameters per statement. Non-positive limits fall back to defaults.
	BulkInsert(ctx context.Context, table string, columns []string, rows [][]interface{}, chunkSize, maxParams int) (int64, error)
	// Upsert inserts rows, updating updateColumns when the conflictColumns
	// combination already exists. Requires a unique constraint over
	// conflictColumns on the target table.
	Upsert(ctx context.Context, table string, rows []map[string]interface{}, conflictColumns, updateColumns []string) (int64, error)
	// TableExists reports whether the (schema, table) pair exists,
	// case-insensitively.
	TableExists(ctx context.Context, schema, table string) (bool, error)
	// EnsureSchema creates the named schema when the backend supports
	// schemas; a no-op otherwise.
	EnsureSchema(ctx context.Context, schema string) error
	// Transaction runs fn inside a single transaction with all-or-nothing
	// commit.
	Transaction(ctx context.Context, fn func(Conn) error) error
	// Dialect returns the SQL dialect of the backing store.
	Dialect() Dialect
	// SQLDB exposes the underlying *sql.DB, used by the migration runner.
	SQLDB() (*sql.DB, error)
	// Close releases the connection pool.
	Close() error
}

// Dialect captures the identifier and existence-probe differences between the
// supported backends. Everything value-shaped goes through bind parameters;
// only identifiers are interpolated, and they are quoted here after being
// allow-listed against the catalog by the caller.
type Dialect interface {
	// Name returns the dialect name: "sqlite", "mysql" or "postgres".
	Name() string
	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string
	// QualifyTable returns the quoted, schema-qualified table reference.
	QualifyTable(schema, table string) string
	// PhysicalTable returns the unquoted physical table name used in
	// existence probes and driver-level calls.
	PhysicalTable(schema, table string) string
	// TableRef returns the unquoted, possibly dotted table reference passed
	// to ORM-level calls (Upsert).
	TableRef(schema, table string) string
	// TableExistsQuery returns the probe statement and its arguments.
	TableExistsQuery(schema, table string) (string, []interface{})
	// CreateSchemaStatement returns the schema-creation statement, or ok=false
	// when the backend has no schema concept.
	CreateSchemaStatement(schema string) (string, bool)
	// IdentityColumn returns the column definition fragment for a
	// generated-identity primary key column.
	IdentityColumn(name string) string
}

// DialectByName returns the Dialect for a driver type name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite":
		return sqliteDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "postgres":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", name)
	}
}

// sqliteDialect flattens schema-qualified names into a single
// schema_table identifier since SQLite has no schema namespaces.
type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d sqliteDialect) PhysicalTable(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "_" + table
}

func (d sqliteDialect) QualifyTable(schema, table string) string {
	return d.QuoteIdent(d.PhysicalTable(schema, table))
}

func (d sqliteDialect) TableRef(schema, table string) string {
	return d.PhysicalTable(schema, table)
}

func (d sqliteDialect) TableExistsQuery(schema, table string) (string, []interface{}) {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND lower(name) = lower(?)`,
		[]interface{}{d.PhysicalTable(schema, table)}
}

func (sqliteDialect) CreateSchemaStatement(string) (string, bool) { return "", false }

func (d sqliteDialect) IdentityColumn(name string) string {
	return d.QuoteIdent(name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d mysqlDialect) PhysicalTable(schema, table string) string { return table }

func (d mysqlDialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

func (d mysqlDialect) TableRef(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

func (d mysqlDialect) TableExistsQuery(schema, table string) (string, []interface{}) {
	return `SELECT table_name FROM information_schema.tables WHERE lower(table_schema) = lower(?) AND lower(table_name) = lower(?)`,
		[]interface{}{schema, table}
}

func (d mysqlDialect) CreateSchemaStatement(schema string) (string, bool) {
	return "CREATE SCHEMA IF NOT EXISTS " + d.QuoteIdent(schema), true
}

func (d mysqlDialect) IdentityColumn(name string) string {
	return d.QuoteIdent(name) + " BIGINT AUTO_INCREMENT PRIMARY KEY"
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d postgresDialect) PhysicalTable(schema, table string) string { return table }

func (d postgresDialect) QualifyTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

func (d postgresDialect) TableRef(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

func (d postgresDialect) TableExistsQuery(schema, table string) (string, []interface{}) {
	return `SELECT tablename FROM pg_tables WHERE lower(schemaname) = lower(?) AND lower(tablename) = lower(?)`,
		[]interface{}{schema, table}
}

func (d postgresDialect) CreateSchemaStatement(schema string) (string, bool) {
	return "CREATE SCHEMA IF NOT EXISTS " + d.QuoteIdent(schema), true
}

func (d postgresDialect) IdentityColumn(name string) string {
	return d.QuoteIdent(name) + " BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY"
}
