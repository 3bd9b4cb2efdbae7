// Package scd implements the slowly-changing-dimension merges for loads into
// the processed layer. SCD1 overwrites attributes in place; SCD2 keeps full
// history through start/end interval columns and a current flag.
package scd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidelake/stratum/pkg/etl/batch"
	"github.com/tidelake/stratum/pkg/etl/schema"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

const moduleName = "scd"

// Result summarizes one merge.
type Result struct {
	Inserted int64
	Updated  int64
	// Closed counts the superseded history rows an SCD2 merge finished.
	Closed int64
}

// Engine executes SCD merges against one target table.
type Engine struct {
	conn store.Conn
	now  func() time.Time
}

// NewEngine creates an Engine on the given store.
func NewEngine(conn store.Conn) *Engine {
	return &Engine{conn: conn, now: time.Now}
}

// Merge1 applies SCD type 1 semantics: for every incoming record, update the
// non-key columns of the matching row, or insert the record when the key is
// new. The incoming batch is deduplicated by key keeping the last occurrence,
// and the whole merge runs in one transaction.
func (e *Engine) Merge1(ctx context.Context, schemaName, table string, in *batch.DataBatch, keyColumns []string) (*Result, error) {
	if len(keyColumns) == 0 {
		return nil, exception.Newf(moduleName, exception.KindLoad,
			"SCD1 merge into %s.%s requires key columns", schemaName, table)
	}
	in = in.DedupeLastByKey(keyColumns)
	if in.IsEmpty() {
		return &Result{}, nil
	}

	d := e.conn.Dialect()
	target := d.QualifyTable(schemaName, table)

	var nonKey []string
	for _, c := range in.Columns {
		if !contains(keyColumns, c) {
			nonKey = append(nonKey, c)
		}
	}

	keyPredicate := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		keyPredicate[i] = d.QuoteIdent(k) + " = ?"
	}
	existsQuery := fmt.Sprintf("SELECT 1 AS present FROM %s WHERE %s", target, strings.Join(keyPredicate, " AND "))

	setClauses := make([]string, len(nonKey))
	for i, c := range nonKey {
		setClauses[i] = d.QuoteIdent(c) + " = ?"
	}
	updateQuery := ""
	if len(nonKey) > 0 {
		updateQuery = fmt.Sprintf("UPDATE %s SET %s WHERE %s",
			target, strings.Join(setClauses, ", "), strings.Join(keyPredicate, " AND "))
	}

	quotedCols := make([]string, len(in.Columns))
	for i, c := range in.Columns {
		quotedCols[i] = d.QuoteIdent(c)
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		target, strings.Join(quotedCols, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(in.Columns)), ","))

	result := &Result{}
	err := e.conn.Transaction(ctx, func(tx store.Conn) error {
		for i := range in.Records {
			keyArgs := make([]interface{}, len(keyColumns))
			for j, k := range keyColumns {
				keyArgs[j] = in.Value(i, k)
			}

			rows, err := tx.QueryRows(ctx, existsQuery, keyArgs...)
			if err != nil {
				return err
			}

			if len(rows) > 0 {
				if updateQuery == "" {
					continue
				}
				args := make([]interface{}, 0, len(nonKey)+len(keyColumns))
				for _, c := range nonKey {
					args = append(args, in.Value(i, c))
				}
				args = append(args, keyArgs...)
				if _, err := tx.Exec(ctx, updateQuery, args...); err != nil {
					return err
				}
				result.Updated++
				continue
			}

			if _, err := tx.Exec(ctx, insertQuery, []interface{}(in.Records[i])...); err != nil {
				return err
			}
			result.Inserted++
		}
		return nil
	})
	if err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("SCD1 merge into %s.%s failed", schemaName, table), err)
	}
	logger.Infof("SCD1 merge into %s.%s: %d updated, %d inserted.", schemaName, table, result.Updated, result.Inserted)
	return result, nil
}

// Merge2 applies SCD type 2 semantics. Every record of one merge shares a
// single timestamp taken once at the start: changed keys get their current
// row closed (current flag off, end time set) and a fresh open row inserted;
// brand new keys get an open row; unchanged rows are left untouched. The
// close and insert steps run in one transaction.
func (e *Engine) Merge2(ctx context.Context, schemaName, table string, in *batch.DataBatch, keyColumns []string) (*Result, error) {
	if len(keyColumns) == 0 {
		return nil, exception.Newf(moduleName, exception.KindLoad,
			"SCD2 merge into %s.%s requires key columns", schemaName, table)
	}
	in = in.DedupeLastByKey(keyColumns)
	if in.IsEmpty() {
		return &Result{}, nil
	}

	mergeTime := e.now()
	currentBatch, err := e.loadCurrent(ctx, schemaName, table, in.Columns)
	if err != nil {
		return nil, err
	}
	current := make(map[string]batch.Record, currentBatch.Len())
	for i := range currentBatch.Records {
		current[currentBatch.KeyOf(i, keyColumns)] = currentBatch.Records[i]
	}

	var nonKey []string
	for _, c := range in.Columns {
		if !contains(keyColumns, c) {
			nonKey = append(nonKey, c)
		}
	}

	// Classify incoming records against the open rows.
	var toClose []int // indices into in for changed keys
	var toInsert []int
	for i := range in.Records {
		key := in.KeyOf(i, keyColumns)
		cur, exists := current[key]
		if !exists {
			toInsert = append(toInsert, i)
			continue
		}
		if changed(in, i, cur, nonKey) {
			toClose = append(toClose, i)
			toInsert = append(toInsert, i)
		}
	}
	if len(toClose) == 0 && len(toInsert) == 0 {
		logger.Infof("SCD2 merge into %s.%s: no changes.", schemaName, table)
		return &Result{}, nil
	}

	d := e.conn.Dialect()
	target := d.QualifyTable(schemaName, table)

	keyPredicate := make([]string, len(keyColumns))
	for i, k := range keyColumns {
		keyPredicate[i] = d.QuoteIdent(k) + " = ?"
	}
	closeQuery := fmt.Sprintf("UPDATE %s SET %s = ?, %s = ? WHERE %s AND %s = ?",
		target,
		d.QuoteIdent(schema.IsCurrentColumn), d.QuoteIdent(schema.EndTimeColumn),
		strings.Join(keyPredicate, " AND "), d.QuoteIdent(schema.IsCurrentColumn))

	insertColumns := append(append([]string{}, in.Columns...),
		schema.StartTimeColumn, schema.EndTimeColumn, schema.IsCurrentColumn)
	quoted := make([]string, len(insertColumns))
	for i, c := range insertColumns {
		quoted[i] = d.QuoteIdent(c)
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		target, strings.Join(quoted, ", "),
		strings.TrimSuffix(strings.Repeat("?,", len(insertColumns)), ","))

	result := &Result{}
	err = e.conn.Transaction(ctx, func(tx store.Conn) error {
		for _, i := range toClose {
			args := []interface{}{false, mergeTime}
			for _, k := range keyColumns {
				args = append(args, in.Value(i, k))
			}
			args = append(args, true)
			n, err := tx.Exec(ctx, closeQuery, args...)
			if err != nil {
				return err
			}
			result.Closed += n
		}
		for _, i := range toInsert {
			args := append([]interface{}{}, []interface{}(in.Records[i])...)
			args = append(args, mergeTime, nil, true)
			if _, err := tx.Exec(ctx, insertQuery, args...); err != nil {
				return err
			}
			result.Inserted++
		}
		return nil
	})
	if err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("SCD2 merge into %s.%s failed", schemaName, table), err)
	}
	logger.Infof("SCD2 merge into %s.%s: %d closed, %d inserted.", schemaName, table, result.Closed, result.Inserted)
	return result, nil
}

// loadCurrent reads the open history rows in the incoming column layout.
func (e *Engine) loadCurrent(ctx context.Context, schemaName, table string, columns []string) (*batch.DataBatch, error) {
	d := e.conn.Dialect()
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(quoted, ", "),
		d.QualifyTable(schemaName, table),
		d.QuoteIdent(schema.IsCurrentColumn))
	rows, err := e.conn.QueryRows(ctx, query, true)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("failed to read current rows of %s.%s", schemaName, table), err)
	}

	return batch.FromMaps(columns, rows), nil
}

// changed reports whether any non-key column differs between the incoming
// record and the stored current record. Transitions to or from NULL count as
// changes.
func changed(in *batch.DataBatch, i int, current batch.Record, nonKey []string) bool {
	for _, c := range nonKey {
		idx := in.ColumnIndex(c)
		if idx < 0 {
			continue
		}
		if !batch.Equal(in.Records[i][idx], current[idx]) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
