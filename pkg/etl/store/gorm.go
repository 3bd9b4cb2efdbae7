package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

const moduleName = "store"

// gormConn implements Conn on top of a *gorm.DB.
type gormConn struct {
	db      *gorm.DB
	dialect Dialect
}

// NewFromGorm wraps an already opened *gorm.DB in a Conn. The dialect name
// must be one of "sqlite", "mysql" or "postgres". Used by Open and by tests
// that hand in a sqlmock-backed session.
func NewFromGorm(db *gorm.DB, dialectName string) (Conn, error) {
	d, err := DialectByName(dialectName)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindConfig, "unknown store dialect", err)
	}
	return &gormConn{db: db, dialect: d}, nil
}

func (c *gormConn) Dialect() Dialect { return c.dialect }

func (c *gormConn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tx := c.db.WithContext(ctx).Exec(query, args...)
	if tx.Error != nil {
		return 0, exception.New(moduleName, exception.KindLoad, fmt.Sprintf("statement failed: %s", firstLine(query)), tx.Error)
	}
	return tx.RowsAffected, nil
}

func (c *gormConn) QueryRows(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	tx := c.db.WithContext(ctx).Raw(query, args...).Scan(&rows)
	if tx.Error != nil {
		return nil, exception.New(moduleName, exception.KindLoad, fmt.Sprintf("query failed: %s", firstLine(query)), tx.Error)
	}
	// The sqlite driver scans columns without a mappable declared type
	// (expression columns, NUMERIC(p,s)) into *interface{}; unwrap them so
	// callers always see plain driver values.
	for _, row := range rows {
		for k, v := range row {
			if p, ok := v.(*interface{}); ok {
				if p == nil {
					row[k] = nil
					continue
				}
				row[k] = *p
			}
		}
	}
	return rows, nil
}

func (c *gormConn) BulkInsert(ctx context.Context, table string, columns []string, rows [][]interface{}, chunkSize, maxParams int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, exception.Newf(moduleName, exception.KindLoad, "bulk insert into %s with no columns", table)
	}
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if maxParams <= 0 {
		maxParams = 32000
	}
	chunkRows := chunkSize
	if budget := maxParams / len(columns); budget < chunkRows {
		chunkRows = budget
	}
	if chunkRows < 1 {
		chunkRows = 1
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = c.dialect.QuoteIdent(col)
	}
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(quoted, ", "))

	var total int64
	for start := 0; start < len(rows); start += chunkRows {
		end := start + chunkRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		values := make([]string, len(chunk))
		args := make([]interface{}, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return total, exception.Newf(moduleName, exception.KindLoad,
					"bulk insert row %d has %d values, want %d", start+i, len(row), len(columns))
			}
			values[i] = placeholder
			args = append(args, row...)
		}

		n, err := c.Exec(ctx, prefix+strings.Join(values, ", "), args...)
		if err != nil {
			return total, err
		}
		total += n
		logger.Debugf("BulkInsert into %s: wrote chunk of %d rows (offset %d).", table, len(chunk), start)
	}
	return total, nil
}

func (c *gormConn) Upsert(ctx context.Context, table string, rows []map[string]interface{}, conflictColumns, updateColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	onConflict := clause.OnConflict{DoNothing: true}
	if len(conflictColumns) > 0 {
		cols := make([]clause.Column, len(conflictColumns))
		for i, name := range conflictColumns {
			cols[i] = clause.Column{Name: name}
		}
		onConflict.Columns = cols
		onConflict.DoNothing = len(updateColumns) == 0
		if len(updateColumns) > 0 {
			onConflict.DoUpdates = clause.AssignmentColumns(updateColumns)
		}
	}

	tx := c.db.WithContext(ctx).Table(table).Clauses(onConflict).Create(&rows)
	if tx.Error != nil {
		return 0, exception.New(moduleName, exception.KindLoad, fmt.Sprintf("upsert into %s failed", table), tx.Error)
	}
	return tx.RowsAffected, nil
}

func (c *gormConn) TableExists(ctx context.Context, schema, table string) (bool, error) {
	query, args := c.dialect.TableExistsQuery(schema, table)
	rows, err := c.QueryRows(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *gormConn) EnsureSchema(ctx context.Context, schema string) error {
	stmt, ok := c.dialect.CreateSchemaStatement(schema)
	if !ok {
		return nil
	}
	_, err := c.Exec(ctx, stmt)
	return err
}

func (c *gormConn) Transaction(ctx context.Context, fn func(Conn) error) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormConn{db: tx, dialect: c.dialect})
	})
}

func (c *gormConn) SQLDB() (*sql.DB, error) {
	sqlDB, err := c.db.DB()
	if err != nil {
		return nil, exception.New(moduleName, exception.KindInternal, "failed to get underlying sql.DB", err)
	}
	return sqlDB, nil
}

func (c *gormConn) Close() error {
	sqlDB, err := c.SQLDB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// firstLine trims a statement to its first line for error messages.
func firstLine(query string) string {
	if i := strings.IndexByte(query, '\n'); i >= 0 {
		return strings.TrimSpace(query[:i]) + " ..."
	}
	return strings.TrimSpace(query)
}
