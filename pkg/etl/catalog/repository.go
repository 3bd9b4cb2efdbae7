package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidelake/stratum/pkg/etl/batch"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

// ErrJobNotFound is returned when the catalog has no configuration row for
// the requested job name.
var ErrJobNotFound = errors.New("job not found in catalog")

// Table names of the catalog system tables.
const (
	JobConfigTable      = "etl_job_config"
	ColumnMetadataTable = "etl_column_metadata"
)

// Repository provides access to the catalog tables.
type Repository interface {
	// FetchJobConfig loads the configuration row for jobName.
	// Returns ErrJobNotFound when no row matches.
	FetchJobConfig(ctx context.Context, jobName string) (*JobConfig, error)
	// FetchColumnMetadata loads all column rows for jobName in ordinal order.
	FetchColumnMetadata(ctx context.Context, jobName string) ([]ColumnMetadata, error)
	// InsertJobConfigs appends validated job rows. The catalog is append-only.
	InsertJobConfigs(ctx context.Context, configs []JobConfig) error
	// InsertColumnMetadata appends validated column rows, assigning ordinals
	// in slice order per job.
	InsertColumnMetadata(ctx context.Context, metadata []ColumnMetadata) error
}

// SQLRepository implements Repository over a store.Conn.
type SQLRepository struct {
	conn store.Conn
}

// NewSQLRepository creates a new catalog repository on the given store.
func NewSQLRepository(conn store.Conn) *SQLRepository {
	return &SQLRepository{conn: conn}
}

var jobConfigColumns = []string{
	"job_name", "source_type", "source_path", "source_schema", "source_table",
	"target_schema", "target_table", "load_type", "scd_type",
}

var columnMetadataColumns = []string{
	"job_name", "ordinal", "source_column_name", "target_column_name",
	"target_data_type", "length", "num_precision", "num_scale",
	"is_pk", "is_fk", "is_nullable", "reference_table",
}

func (r *SQLRepository) FetchJobConfig(ctx context.Context, jobName string) (*JobConfig, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE job_name = ?", strings.Join(jobConfigColumns, ", "), JobConfigTable)
	rows, err := r.conn.QueryRows(ctx, query, jobName)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindConfig, fmt.Sprintf("failed to read job config for '%s'", jobName), err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("job '%s': %w", jobName, ErrJobNotFound)
	}
	if len(rows) > 1 {
		logger.Warnf("Catalog holds %d config rows for job '%s'; using the first.", len(rows), jobName)
	}

	row := rows[0]
	scd, _ := batch.AsInt(row["scd_type"])
	cfg := &JobConfig{
		JobName:      batch.AsString(row["job_name"]),
		SourceType:   SourceType(strings.ToLower(batch.AsString(row["source_type"]))),
		SourcePath:   batch.AsString(row["source_path"]),
		SourceSchema: batch.AsString(row["source_schema"]),
		SourceTable:  batch.AsString(row["source_table"]),
		TargetSchema: TargetSchema(strings.ToLower(batch.AsString(row["target_schema"]))),
		TargetTable:  batch.AsString(row["target_table"]),
		LoadType:     LoadType(strings.ToLower(batch.AsString(row["load_type"]))),
		SCDType:      SCDType(scd),
	}
	if err := ValidateJobConfig(cfg); err != nil {
		return nil, exception.New(moduleName, exception.KindValidation,
			fmt.Sprintf("catalog row for job '%s' is invalid", jobName), err)
	}
	return cfg, nil
}

func (r *SQLRepository) FetchColumnMetadata(ctx context.Context, jobName string) ([]ColumnMetadata, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE job_name = ? ORDER BY ordinal",
		strings.Join(columnMetadataColumns, ", "), ColumnMetadataTable)
	rows, err := r.conn.QueryRows(ctx, query, jobName)
	if err != nil {
		return nil, exception.New(moduleName, exception.KindConfig, fmt.Sprintf("failed to read column metadata for '%s'", jobName), err)
	}

	metadata := make([]ColumnMetadata, 0, len(rows))
	for _, row := range rows {
		length, _ := batch.AsInt(row["length"])
		precision, _ := batch.AsInt(row["num_precision"])
		scale, _ := batch.AsInt(row["num_scale"])
		m := ColumnMetadata{
			JobName:          batch.AsString(row["job_name"]),
			SourceColumnName: batch.AsString(row["source_column_name"]),
			TargetColumnName: batch.AsString(row["target_column_name"]),
			TargetDataType:   strings.ToUpper(batch.AsString(row["target_data_type"])),
			Length:           length,
			Precision:        precision,
			Scale:            scale,
			IsPK:             batch.AsBool(row["is_pk"]),
			IsFK:             batch.AsBool(row["is_fk"]),
			IsNullable:       batch.AsBool(row["is_nullable"]),
			ReferenceTable:   batch.AsString(row["reference_table"]),
		}
		if err := ValidateColumnMetadata(&m); err != nil {
			return nil, exception.New(moduleName, exception.KindValidation,
				fmt.Sprintf("catalog column row '%s' for job '%s' is invalid", m.TargetColumnName, jobName), err)
		}
		metadata = append(metadata, m)
	}
	return metadata, nil
}

func (r *SQLRepository) InsertJobConfigs(ctx context.Context, configs []JobConfig) error {
	if len(configs) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(configs))
	for i, c := range configs {
		rows[i] = []interface{}{
			c.JobName, string(c.SourceType), c.SourcePath, c.SourceSchema, c.SourceTable,
			string(c.TargetSchema), c.TargetTable, string(c.LoadType), int(c.SCDType),
		}
	}
	n, err := r.conn.BulkInsert(ctx, JobConfigTable, jobConfigColumns, rows, 0, 0)
	if err != nil {
		return exception.New(moduleName, exception.KindConfig, "failed to insert job configs", err)
	}
	logger.Infof("Seeded %d job config row(s) into %s.", n, JobConfigTable)
	return nil
}

func (r *SQLRepository) InsertColumnMetadata(ctx context.Context, metadata []ColumnMetadata) error {
	if len(metadata) == 0 {
		return nil
	}
	ordinals := map[string]int{}
	rows := make([][]interface{}, len(metadata))
	for i, m := range metadata {
		ordinals[m.JobName]++
		rows[i] = []interface{}{
			m.JobName, ordinals[m.JobName], m.SourceColumnName, m.TargetColumnName,
			strings.ToUpper(m.TargetDataType), m.Length, m.Precision, m.Scale,
			m.IsPK, m.IsFK, m.IsNullable, m.ReferenceTable,
		}
	}
	n, err := r.conn.BulkInsert(ctx, ColumnMetadataTable, columnMetadataColumns, rows, 0, 0)
	if err != nil {
		return exception.New(moduleName, exception.KindConfig, "failed to insert column metadata", err)
	}
	logger.Infof("Seeded %d column metadata row(s) into %s.", n, ColumnMetadataTable)
	return nil
}
