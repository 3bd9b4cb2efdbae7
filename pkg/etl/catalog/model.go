// Package catalog models the metadata catalog that drives every downstream
// decision of the runner: one JobConfig row per job plus one ColumnMetadata
// row per target column. Records are validated once at load time so synthesis
// and merge code never re-checks enumerations.
package catalog

import (
	"strings"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/tidelake/stratum/pkg/etl/support/exception"
)

const moduleName = "catalog"

// SourceType enumerates where a job reads from.
type SourceType string

const (
	SourceTypeCSV   SourceType = "csv"
	SourceTypeJSON  SourceType = "json"
	SourceTypeTable SourceType = "table"
)

// TargetSchema enumerates the data layer a job writes into.
type TargetSchema string

const (
	SchemaRaw       TargetSchema = "raw"
	SchemaCurated   TargetSchema = "curated"
	SchemaProcessed TargetSchema = "processed"
)

// LoadType enumerates the reconciliation strategy for a job.
type LoadType string

const (
	LoadFull        LoadType = "full"
	LoadIncremental LoadType = "incremental"
)

// SCDType selects the slowly-changing-dimension behavior for incremental
// loads into the processed layer. Zero means plain upsert, no history.
type SCDType int

const (
	SCDNone SCDType = 0
	SCD1    SCDType = 1
	SCD2    SCDType = 2
)

// JobConfig is one row of the job configuration catalog.
type JobConfig struct {
	JobName      string       `yaml:"job_name" mapstructure:"job_name"`
	SourceType   SourceType   `yaml:"source_type" mapstructure:"source_type"`
	SourcePath   string       `yaml:"source_path" mapstructure:"source_path"`
	SourceSchema string       `yaml:"source_schema" mapstructure:"source_schema"`
	SourceTable  string       `yaml:"source_table" mapstructure:"source_table"`
	TargetSchema TargetSchema `yaml:"target_schema" mapstructure:"target_schema"`
	TargetTable  string       `yaml:"target_table" mapstructure:"target_table"`
	LoadType     LoadType     `yaml:"load_type" mapstructure:"load_type"`
	SCDType      SCDType      `yaml:"scd_type" mapstructure:"scd_type"`
}

// ResolveTargetTable returns the declared target table, or the table name
// derived from the job name when the catalog leaves it blank. The derivation
// takes the second underscore-separated token of the job name, lowercased
// (JOB_EMP_CURATED -> emp).
func (c *JobConfig) ResolveTargetTable() string {
	if strings.TrimSpace(c.TargetTable) != "" {
		return strings.TrimSpace(c.TargetTable)
	}
	parts := strings.Split(c.JobName, "_")
	if len(parts) >= 2 {
		return strings.ToLower(parts[1])
	}
	return strings.ToLower(c.JobName)
}

// ColumnMetadata is one row of the column catalog for a job.
type ColumnMetadata struct {
	JobName          string `yaml:"job_name" mapstructure:"job_name"`
	SourceColumnName string `yaml:"source_column_name" mapstructure:"source_column_name"`
	TargetColumnName string `yaml:"target_column_name" mapstructure:"target_column_name"`
	// TargetDataType is the declared base SQL type, upper-cased on load.
	TargetDataType string `yaml:"target_data_type" mapstructure:"target_data_type"`
	// Length applies to variable-length string types and must be positive there.
	Length int `yaml:"length" mapstructure:"length"`
	// Precision and Scale apply to DECIMAL/NUMERIC; they default to 18 and 0.
	Precision  int  `yaml:"precision" mapstructure:"precision"`
	Scale      int  `yaml:"scale" mapstructure:"scale"`
	IsPK       bool `yaml:"is_pk" mapstructure:"is_pk"`
	IsFK       bool `yaml:"is_fk" mapstructure:"is_fk"`
	IsNullable bool `yaml:"is_nullable" mapstructure:"is_nullable"`
	// ReferenceTable is the schema-qualified table an FK column points at.
	// The referenced column implicitly shares the target column's name.
	ReferenceTable string `yaml:"reference_table" mapstructure:"reference_table"`
}

// Variable-length string types requiring a positive Length.
var varlenTypes = map[string]bool{
	"NVARCHAR": true,
	"VARCHAR":  true,
}

// allowedTypes is the full set of declared target data types the runner accepts.
var allowedTypes = map[string]bool{
	"INT":      true,
	"BIGINT":   true,
	"DECIMAL":  true,
	"NUMERIC":  true,
	"FLOAT":    true,
	"BIT":      true,
	"DATETIME": true,
	"DATE":     true,
	"NVARCHAR": true,
	"VARCHAR":  true,
}

// IsVarlenType reports whether the upper-cased type name requires a length.
func IsVarlenType(dataType string) bool {
	return varlenTypes[strings.ToUpper(dataType)]
}

// IsAllowedType reports whether the upper-cased type name is accepted.
func IsAllowedType(dataType string) bool {
	return allowedTypes[strings.ToUpper(dataType)]
}

// IsNumericType reports whether the upper-cased type name carries a numeric
// value, used by the no-negative-numeric data quality rule.
func IsNumericType(dataType string) bool {
	switch strings.ToUpper(dataType) {
	case "INT", "BIGINT", "DECIMAL", "NUMERIC", "FLOAT":
		return true
	default:
		return false
	}
}

// ValidateJobConfig checks a JobConfig row against the catalog rules.
// All violations are accumulated into one error.
func ValidateJobConfig(c *JobConfig) error {
	var result *multierror.Error

	if strings.TrimSpace(c.JobName) == "" {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation, "JobName is required"))
	}
	switch c.SourceType {
	case SourceTypeCSV, SourceTypeJSON, SourceTypeTable:
	default:
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': SourceType must be csv, json or table (got '%s')", c.JobName, c.SourceType))
	}
	switch c.TargetSchema {
	case SchemaRaw, SchemaCurated, SchemaProcessed:
	default:
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': TargetSchema must be raw, curated or processed (got '%s')", c.JobName, c.TargetSchema))
	}
	switch c.LoadType {
	case LoadFull, LoadIncremental:
	default:
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': LoadType must be full or incremental (got '%s')", c.JobName, c.LoadType))
	}
	switch c.SCDType {
	case SCDNone, SCD1, SCD2:
	default:
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': SCDType must be 1, 2 or unset (got %d)", c.JobName, c.SCDType))
	}
	if (c.SourceType == SourceTypeCSV || c.SourceType == SourceTypeJSON) && strings.TrimSpace(c.SourcePath) == "" {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': SourcePath is required for file sources", c.JobName))
	}
	if c.SourceType == SourceTypeTable && (strings.TrimSpace(c.SourceSchema) == "" || strings.TrimSpace(c.SourceTable) == "") {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': SourceSchema and SourceTable are required for table sources", c.JobName))
	}

	return result.ErrorOrNil()
}

// ValidateColumnMetadata checks a ColumnMetadata row against the catalog rules.
func ValidateColumnMetadata(m *ColumnMetadata) error {
	var result *multierror.Error

	if strings.TrimSpace(m.JobName) == "" {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation, "column metadata row without JobName"))
	}
	if strings.TrimSpace(m.TargetColumnName) == "" {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': TargetColumnName is required", m.JobName))
	}
	if !IsAllowedType(m.TargetDataType) {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': TargetDataType '%s' not allowed for column '%s'", m.JobName, m.TargetDataType, m.TargetColumnName))
	}
	if m.Length < 0 {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': Length must be a non-negative integer for column '%s'", m.JobName, m.TargetColumnName))
	}
	if IsVarlenType(m.TargetDataType) && m.Length <= 0 {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': %s requires a positive Length for column '%s'", m.JobName, strings.ToUpper(m.TargetDataType), m.TargetColumnName))
	}
	if m.IsFK && strings.TrimSpace(m.ReferenceTable) == "" {
		result = multierror.Append(result, exception.Newf(moduleName, exception.KindValidation,
			"job '%s': FK column '%s' has no ReferenceTable", m.JobName, m.TargetColumnName))
	}

	return result.ErrorOrNil()
}

// SplitReference splits a schema-qualified reference table into its schema
// and table parts. A bare table name defaults to the curated schema, where
// referenced dimensions normally live.
func SplitReference(ref string) (schema, table string) {
	ref = strings.TrimSpace(ref)
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return string(SchemaCurated), ref
}

// KeyColumns returns the names of the PK-flagged columns in metadata order.
func KeyColumns(metadata []ColumnMetadata) []string {
	var keys []string
	for _, m := range metadata {
		if m.IsPK {
			keys = append(keys, m.TargetColumnName)
		}
	}
	return keys
}

// TargetColumns returns all target column names in metadata order.
func TargetColumns(metadata []ColumnMetadata) []string {
	cols := make([]string, len(metadata))
	for i, m := range metadata {
		cols[i] = m.TargetColumnName
	}
	return cols
}
