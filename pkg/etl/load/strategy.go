// Package load implements the two reconciliation strategies that move a
// batch into its target table. Full replaces the table contents; Incremental
// merges by key and advances the watermark afterwards.
package load

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidelake/stratum/pkg/etl/batch"
	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/scd"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
	"github.com/tidelake/stratum/pkg/etl/tracker"
)

const moduleName = "load"

// Result summarizes one load.
type Result struct {
	RowsWritten int64
}

// Loader executes the configured load strategy for one job stage.
type Loader struct {
	conn      store.Conn
	engine    *scd.Engine
	tracker   tracker.Tracker
	chunkSize int
	maxParams int
	now       func() time.Time
}

// NewLoader creates a Loader. chunkSize caps rows per bulk-insert statement
// and maxParams caps its bind parameters.
func NewLoader(conn store.Conn, engine *scd.Engine, trk tracker.Tracker, chunkSize, maxParams int) *Loader {
	return &Loader{conn: conn, engine: engine, tracker: trk, chunkSize: chunkSize, maxParams: maxParams, now: time.Now}
}

// Run dispatches to the strategy named by the job configuration. stage names
// the pipeline stage for watermark bookkeeping.
func (l *Loader) Run(ctx context.Context, cfg *catalog.JobConfig, metadata []catalog.ColumnMetadata, in *batch.DataBatch, stage string) (*Result, error) {
	schemaName := string(cfg.TargetSchema)
	table := cfg.ResolveTargetTable()

	switch cfg.LoadType {
	case catalog.LoadFull:
		return l.full(ctx, schemaName, table, in)
	case catalog.LoadIncremental:
		res, err := l.incremental(ctx, cfg, metadata, in, schemaName, table)
		if err != nil {
			return nil, err
		}
		// The watermark only moves after a successful incremental load.
		if err := l.tracker.Advance(ctx, cfg.JobName, stage, l.now()); err != nil {
			return nil, err
		}
		return res, nil
	default:
		return nil, exception.Newf(moduleName, exception.KindConfig,
			"job '%s' has unknown load type '%s'", cfg.JobName, cfg.LoadType)
	}
}

// Append adds the batch to the target table without touching existing rows.
// Used by the raw layer's incremental file loads, which are append-only.
func (l *Loader) Append(ctx context.Context, schemaName, table string, in *batch.DataBatch) (*Result, error) {
	if in.IsEmpty() {
		return &Result{}, nil
	}
	target := l.conn.Dialect().QualifyTable(schemaName, table)
	n, err := l.conn.BulkInsert(ctx, target, in.Columns, in.Rows(), l.chunkSize, l.maxParams)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("append into %s.%s failed", schemaName, table), err)
	}
	logger.Infof("Appended %d row(s) into %s.%s.", n, schemaName, table)
	return &Result{RowsWritten: n}, nil
}

// full empties the target table and appends the whole batch in chunks.
// Delete and insert share one transaction so a failed load leaves the
// previous contents intact.
func (l *Loader) full(ctx context.Context, schemaName, table string, in *batch.DataBatch) (*Result, error) {
	d := l.conn.Dialect()
	target := d.QualifyTable(schemaName, table)

	result := &Result{}
	err := l.conn.Transaction(ctx, func(tx store.Conn) error {
		if _, err := tx.Exec(ctx, "DELETE FROM "+target); err != nil {
			return err
		}
		if in.IsEmpty() {
			return nil
		}
		n, err := tx.BulkInsert(ctx, target, in.Columns, in.Rows(), l.chunkSize, l.maxParams)
		if err != nil {
			return err
		}
		result.RowsWritten = n
		return nil
	})
	if err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("full load into %s.%s failed", schemaName, table), err)
	}
	logger.Infof("Full load into %s.%s completed: %d row(s).", schemaName, table, result.RowsWritten)
	return result, nil
}

// incremental merges the batch into the target by key. SCD1 and SCD2 delegate
// to the SCD engine; the plain case stages the batch and runs a set-based
// upsert when the target carries a key constraint, falling back to the
// engine's row merge when it does not (processed tables never inline keys).
func (l *Loader) incremental(ctx context.Context, cfg *catalog.JobConfig, metadata []catalog.ColumnMetadata, in *batch.DataBatch, schemaName, table string) (*Result, error) {
	keys := catalog.KeyColumns(metadata)

	switch cfg.SCDType {
	case catalog.SCD1:
		res, err := l.engine.Merge1(ctx, schemaName, table, in, keys)
		if err != nil {
			return nil, err
		}
		return &Result{RowsWritten: res.Inserted + res.Updated}, nil
	case catalog.SCD2:
		res, err := l.engine.Merge2(ctx, schemaName, table, in, keys)
		if err != nil {
			return nil, err
		}
		return &Result{RowsWritten: res.Inserted + res.Closed}, nil
	}

	if len(keys) == 0 {
		return nil, exception.Newf(moduleName, exception.KindConfig,
			"job '%s' is incremental but declares no PK columns", cfg.JobName)
	}
	if in.IsEmpty() {
		return &Result{}, nil
	}

	if cfg.TargetSchema == catalog.SchemaProcessed {
		// No inline key constraint to conflict on; merge row by row.
		res, err := l.engine.Merge1(ctx, schemaName, table, in, keys)
		if err != nil {
			return nil, err
		}
		return &Result{RowsWritten: res.Inserted + res.Updated}, nil
	}
	return l.stagedUpsert(ctx, cfg, in, schemaName, table, keys)
}

// stagedUpsert lands the batch in a staging table shaped like the target,
// then merges it with one set-based statement keyed on the PK constraint.
func (l *Loader) stagedUpsert(ctx context.Context, cfg *catalog.JobConfig, in *batch.DataBatch, schemaName, table string, keys []string) (*Result, error) {
	d := l.conn.Dialect()
	target := d.QualifyTable(schemaName, table)
	staging := d.QualifyTable(schemaName, table+"_staging")

	if _, err := l.conn.Exec(ctx, "DROP TABLE IF EXISTS "+staging); err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("failed to drop stale staging table for %s.%s", schemaName, table), err)
	}
	createStaging := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE 1 = 0", staging, target)
	if _, err := l.conn.Exec(ctx, createStaging); err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("failed to create staging table for %s.%s", schemaName, table), err)
	}
	defer func() {
		if _, err := l.conn.Exec(ctx, "DROP TABLE IF EXISTS "+staging); err != nil {
			logger.Warnf("Failed to drop staging table %s: %v", staging, err)
		}
	}()

	result := &Result{}
	err := l.conn.Transaction(ctx, func(tx store.Conn) error {
		if _, err := tx.BulkInsert(ctx, staging, in.Columns, in.Rows(), l.chunkSize, l.maxParams); err != nil {
			return err
		}
		merge := l.mergeStatement(d, target, staging, in.Columns, keys)
		n, err := tx.Exec(ctx, merge)
		if err != nil {
			return err
		}
		result.RowsWritten = n
		return nil
	})
	if err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("incremental merge into %s.%s failed", schemaName, table), err)
	}
	logger.Infof("Incremental merge into %s.%s completed: %d row(s) affected.", schemaName, table, result.RowsWritten)
	return result, nil
}

// mergeStatement renders the set-based upsert from staging into target for
// the backend at hand.
func (l *Loader) mergeStatement(d store.Dialect, target, staging string, columns, keys []string) string {
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = d.QuoteIdent(c)
	}
	quotedKeys := make([]string, len(keys))
	for i, k := range keys {
		quotedKeys[i] = d.QuoteIdent(k)
	}
	var nonKey []string
	for _, c := range columns {
		if !contains(keys, c) {
			nonKey = append(nonKey, c)
		}
	}
	colList := strings.Join(quotedCols, ", ")

	if d.Name() == "mysql" {
		sets := make([]string, 0, len(nonKey))
		for _, c := range nonKey {
			sets = append(sets, d.QuoteIdent(c)+" = VALUES("+d.QuoteIdent(c)+")")
		}
		if len(sets) == 0 {
			// Key-only table: make the duplicate branch a no-op assignment.
			sets = append(sets, quotedKeys[0]+" = "+quotedKeys[0])
		}
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON DUPLICATE KEY UPDATE %s",
			target, colList, colList, staging, strings.Join(sets, ", "))
	}

	// sqlite and postgres share the ON CONFLICT syntax.
	if len(nonKey) == 0 {
		return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE 1 = 1 ON CONFLICT (%s) DO NOTHING",
			target, colList, colList, staging, strings.Join(quotedKeys, ", "))
	}
	sets := make([]string, len(nonKey))
	for i, c := range nonKey {
		sets[i] = d.QuoteIdent(c) + " = excluded." + d.QuoteIdent(c)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE 1 = 1 ON CONFLICT (%s) DO UPDATE SET %s",
		target, colList, colList, staging, strings.Join(quotedKeys, ", "), strings.Join(sets, ", "))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
