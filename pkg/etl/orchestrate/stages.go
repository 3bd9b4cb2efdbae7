package orchestrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidelake/stratum/pkg/etl/batch"
	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/source"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

// runSourceToRaw harvests CSV or JSON files into the raw table. A full load
// replaces the table contents with every file; an incremental load appends
// only files dated after the watermark and advances it to the newest file
// date processed.
func (o *Orchestrator) runSourceToRaw(ctx context.Context, cfg *catalog.JobConfig, meta []catalog.ColumnMetadata) (int64, string, error) {
	if cfg.SourceType == catalog.SourceTypeTable {
		return 0, "", exception.Newf(moduleName, exception.KindConfig,
			"job '%s' targets raw but reads from a table", cfg.JobName)
	}

	files, err := source.CollectFiles(cfg.SourcePath, cfg.SourceType)
	if err != nil {
		return 0, "", err
	}

	if cfg.LoadType == catalog.LoadFull {
		b, err := source.ReadBatch(files, cfg.SourceType, meta)
		if err != nil {
			return 0, "", err
		}
		res, err := o.loader.Run(ctx, cfg, meta, b, StageSourceToRaw)
		if err != nil {
			return 0, "", err
		}
		return res.RowsWritten, fmt.Sprintf("Full load completed: %d rows", res.RowsWritten), nil
	}

	watermark, _, err := o.tracker.LastLoadTime(ctx, cfg.JobName, StageSourceToRaw)
	if err != nil {
		return 0, "", err
	}
	newFiles := source.FilterNewer(files, watermark)
	if len(newFiles) == 0 {
		return 0, "No new files to process", nil
	}

	b, err := source.ReadBatch(newFiles, cfg.SourceType, meta)
	if err != nil {
		return 0, "", err
	}
	res, err := o.loader.Append(ctx, string(cfg.TargetSchema), cfg.ResolveTargetTable(), b)
	if err != nil {
		return 0, "", err
	}
	if err := o.tracker.Advance(ctx, cfg.JobName, StageSourceToRaw, source.MaxDate(newFiles)); err != nil {
		return 0, "", err
	}
	return res.RowsWritten, fmt.Sprintf("Incremental load completed: %d rows from %d file(s)", res.RowsWritten, len(newFiles)), nil
}

// runRawToCurated reads the raw table, cleans and type-casts the values,
// applies the data quality rules and loads the survivors into the curated
// table.
func (o *Orchestrator) runRawToCurated(ctx context.Context, cfg *catalog.JobConfig, meta []catalog.ColumnMetadata) (int64, string, error) {
	b, err := o.readSourceTable(ctx, cfg, meta)
	if err != nil {
		return 0, "", err
	}
	logger.Infof("Read %d row(s) from %s.%s.", b.Len(), cfg.SourceSchema, cfg.SourceTable)

	b = cleanBatch(b)
	b = castBatch(b, meta)

	b, findings, err := o.enforcer.Apply(ctx, b, meta)
	if err != nil {
		return 0, "", err
	}
	for _, f := range findings {
		if f.Dropped > 0 {
			o.recorder.RowsDropped(cfg.JobName, f.Rule, int64(f.Dropped))
		}
	}

	if b.IsEmpty() {
		return 0, "No rows to load into curated table.", nil
	}
	res, err := o.loader.Run(ctx, cfg, meta, b, StageRawToCurated)
	if err != nil {
		return 0, "", err
	}
	return res.RowsWritten, fmt.Sprintf("Raw to curated completed: %d rows", res.RowsWritten), nil
}

// runCuratedToProcessed moves the curated table into the processed layer,
// delegating history semantics to the configured load strategy.
func (o *Orchestrator) runCuratedToProcessed(ctx context.Context, cfg *catalog.JobConfig, meta []catalog.ColumnMetadata) (int64, string, error) {
	b, err := o.readSourceTable(ctx, cfg, meta)
	if err != nil {
		return 0, "", err
	}
	logger.Infof("Read %d row(s) from %s.%s.", b.Len(), cfg.SourceSchema, cfg.SourceTable)

	if b.IsEmpty() {
		return 0, "No rows to load into processed table.", nil
	}
	res, err := o.loader.Run(ctx, cfg, meta, b, StageCuratedToProcessed)
	if err != nil {
		return 0, "", err
	}
	return res.RowsWritten, fmt.Sprintf("Curated to processed completed: %d rows", res.RowsWritten), nil
}

// readSourceTable loads the job's source table aligned to the metadata's
// target column order. A row value is looked up by target column name first
// and by declared source column name as a fallback, covering both tables
// created by this runner and externally named sources.
func (o *Orchestrator) readSourceTable(ctx context.Context, cfg *catalog.JobConfig, meta []catalog.ColumnMetadata) (*batch.DataBatch, error) {
	d := o.conn.Dialect()
	query := "SELECT * FROM " + d.QualifyTable(cfg.SourceSchema, cfg.SourceTable)
	rows, err := o.conn.QueryRows(ctx, query)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindLoad,
			fmt.Sprintf("failed to read source table %s.%s", cfg.SourceSchema, cfg.SourceTable), err)
	}

	out := batch.New(catalog.TargetColumns(meta))
	for _, row := range rows {
		rec := make(batch.Record, len(meta))
		for i, m := range meta {
			if v, ok := row[m.TargetColumnName]; ok {
				rec[i] = v
				continue
			}
			rec[i] = row[m.SourceColumnName]
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// cleanBatch trims string values, normalizes empty and textual-null strings
// to NULL, and removes fully identical rows.
func cleanBatch(in *batch.DataBatch) *batch.DataBatch {
	out := batch.New(in.Columns)
	for _, rec := range in.Records {
		cleaned := make(batch.Record, len(rec))
		for i, v := range rec {
			s, isString := v.(string)
			if bs, ok := v.([]byte); ok {
				s, isString = string(bs), true
			}
			if !isString {
				cleaned[i] = v
				continue
			}
			s = strings.TrimSpace(s)
			switch s {
			case "", "nan", "None", "NULL", "null":
				cleaned[i] = nil
			default:
				cleaned[i] = s
			}
		}
		out.Records = append(out.Records, cleaned)
	}
	return out.DedupeLastByKey(out.Columns)
}

// castBatch coerces every value to its declared target type. Values that do
// not parse become NULL so a stray token never fails the load; the not-null
// rule decides their fate afterwards.
func castBatch(in *batch.DataBatch, meta []catalog.ColumnMetadata) *batch.DataBatch {
	out := batch.New(in.Columns)
	for _, rec := range in.Records {
		cast := make(batch.Record, len(rec))
		copy(cast, rec)
		out.Records = append(out.Records, cast)
	}

	for _, m := range meta {
		idx := out.ColumnIndex(m.TargetColumnName)
		if idx < 0 {
			continue
		}
		dtype := strings.ToUpper(m.TargetDataType)
		for i := range out.Records {
			v := out.Records[i][idx]
			if v == nil {
				continue
			}
			switch dtype {
			case "INT", "BIGINT":
				if n, ok := batch.AsInt(v); ok {
					out.Records[i][idx] = int64(n)
				} else {
					out.Records[i][idx] = nil
				}
			case "DECIMAL", "NUMERIC", "FLOAT":
				if f, ok := batch.AsFloat(v); ok {
					out.Records[i][idx] = f
				} else {
					out.Records[i][idx] = nil
				}
			case "BIT":
				out.Records[i][idx] = batch.AsBool(v)
			case "DATE", "DATETIME":
				if ts, ok := batch.AsTime(v); ok {
					out.Records[i][idx] = ts
				} else {
					out.Records[i][idx] = nil
				}
			case "NVARCHAR", "VARCHAR":
				out.Records[i][idx] = strings.TrimSpace(batch.AsString(v))
			}
		}
	}
	return out
}
