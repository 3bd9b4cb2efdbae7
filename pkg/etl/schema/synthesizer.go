// Package schema synthesizes target table definitions from catalog metadata
// and emits the corresponding CREATE TABLE statements. Synthesis is pure;
// only EnsureTable touches the store.
package schema

import (
	"context"
	"fmt"
	"strings"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/exception"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

const moduleName = "schema"

// History column names appended to SCD2 processed tables.
const (
	RowIDColumn     = "row_id"
	StartTimeColumn = "start_time"
	EndTimeColumn   = "end_time"
	IsCurrentColumn = "is_current"
)

// ColumnDef is one synthesized column of a target table.
type ColumnDef struct {
	Name       string
	Definition string
}

// ForeignKey is one synthesized foreign key clause.
type ForeignKey struct {
	Column    string
	RefSchema string
	RefTable  string
}

// TargetTableDefinition is the synthesized shape of one target table.
type TargetTableDefinition struct {
	Schema  string
	Table   string
	Columns []ColumnDef
	// ForeignKeys holds the deduplicated FK candidates; references whose
	// table does not exist are dropped again at emission time.
	ForeignKeys []ForeignKey
	// HasHistory is true for SCD2 processed tables carrying the identity and
	// interval columns.
	HasHistory bool
	// Warnings collects non-fatal findings (duplicate columns skipped).
	Warnings []string
}

// Synthesizer builds target table definitions from catalog records.
type Synthesizer struct {
	dialect store.Dialect
}

// NewSynthesizer creates a Synthesizer for the given dialect.
func NewSynthesizer(dialect store.Dialect) *Synthesizer {
	return &Synthesizer{dialect: dialect}
}

// Synthesize derives the target table definition for one job.
//
// Layer rules: the raw layer erases every declared type to nullable unbounded
// text; the curated layer inlines the single PK column; the processed layer
// never inlines catalog PKs, and with SCD2 gains a generated identity key plus
// the history interval columns.
func (s *Synthesizer) Synthesize(cfg *catalog.JobConfig, metadata []catalog.ColumnMetadata) (*TargetTableDefinition, error) {
	if len(metadata) == 0 {
		return nil, exception.Newf(moduleName, exception.KindSynthesis,
			"job '%s' has no column metadata", cfg.JobName)
	}

	schemaName := string(cfg.TargetSchema)
	tableName := cfg.ResolveTargetTable()
	def := &TargetTableDefinition{Schema: schemaName, Table: tableName}

	if cfg.TargetSchema != catalog.SchemaRaw {
		var pkCols []string
		for _, m := range metadata {
			if m.IsPK {
				pkCols = append(pkCols, m.TargetColumnName)
			}
		}
		if len(pkCols) > 1 {
			return nil, exception.New(moduleName, exception.KindSynthesis,
				fmt.Sprintf("primary key validation failed for job '%s'", cfg.JobName),
				&MultiplePrimaryKeyError{Schema: schemaName, Table: tableName, Columns: pkCols})
		}
	}

	var errs *multierror.Error
	// A duplicate is the same (name, type, length) triple; a repeated name
	// with a conflicting definition is skipped too, since one column can only
	// be declared once, but gets its own warning.
	seen := map[string]string{}
	for _, m := range metadata {
		nameKey := strings.ToLower(m.TargetColumnName)
		colKey := fmt.Sprintf("%s|%s|%d", nameKey, strings.ToUpper(m.TargetDataType), m.Length)
		if prev, dup := seen[nameKey]; dup {
			warning := fmt.Sprintf("duplicate column '%s' in %s.%s skipped", m.TargetColumnName, schemaName, tableName)
			if prev != colKey {
				warning = fmt.Sprintf("column '%s' in %s.%s redeclared with a different type or length, skipped", m.TargetColumnName, schemaName, tableName)
			}
			logger.Warnf("Synthesize: %s.", warning)
			def.Warnings = append(def.Warnings, warning)
			continue
		}
		seen[nameKey] = colKey

		colDef, err := s.buildColumnDef(&m, cfg.TargetSchema)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		def.Columns = append(def.Columns, ColumnDef{Name: m.TargetColumnName, Definition: colDef})
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, exception.New(moduleName, exception.KindSynthesis,
			fmt.Sprintf("column synthesis failed for %s.%s", schemaName, tableName), err)
	}

	if cfg.TargetSchema == catalog.SchemaProcessed && cfg.SCDType == catalog.SCD2 {
		def.HasHistory = true
		identity := ColumnDef{Name: RowIDColumn, Definition: s.dialect.IdentityColumn(RowIDColumn)}
		def.Columns = append([]ColumnDef{identity}, def.Columns...)
		def.Columns = append(def.Columns,
			ColumnDef{Name: StartTimeColumn, Definition: s.dialect.QuoteIdent(StartTimeColumn) + " " + s.typeName("DATETIME", nil) + " NOT NULL"},
			ColumnDef{Name: EndTimeColumn, Definition: s.dialect.QuoteIdent(EndTimeColumn) + " " + s.typeName("DATETIME", nil) + " NULL"},
			ColumnDef{Name: IsCurrentColumn, Definition: s.dialect.QuoteIdent(IsCurrentColumn) + " " + s.typeName("BIT", nil) + " NOT NULL"},
		)
	}

	// FK dedup by (column, referenced schema, referenced table). The raw
	// layer never carries constraints.
	if cfg.TargetSchema != catalog.SchemaRaw {
		seenFK := map[string]bool{}
		for _, m := range metadata {
			if !m.IsFK || strings.TrimSpace(m.ReferenceTable) == "" {
				continue
			}
			refSchema, refTable := catalog.SplitReference(m.ReferenceTable)
			key := strings.ToLower(m.TargetColumnName + "|" + refSchema + "|" + refTable)
			if seenFK[key] {
				continue
			}
			seenFK[key] = true
			def.ForeignKeys = append(def.ForeignKeys, ForeignKey{
				Column: m.TargetColumnName, RefSchema: refSchema, RefTable: refTable,
			})
		}
	}

	return def, nil
}

// buildColumnDef renders one column definition for the target layer.
func (s *Synthesizer) buildColumnDef(m *catalog.ColumnMetadata, layer catalog.TargetSchema) (string, error) {
	quoted := s.dialect.QuoteIdent(m.TargetColumnName)

	if layer == catalog.SchemaRaw {
		return quoted + " " + s.textType() + " NULL", nil
	}

	dtype := strings.ToUpper(m.TargetDataType)
	if !catalog.IsAllowedType(dtype) {
		return "", &UnsupportedTypeError{Column: m.TargetColumnName, DataType: dtype}
	}
	if catalog.IsVarlenType(dtype) && m.Length <= 0 {
		return "", &InvalidLengthError{Column: m.TargetColumnName, DataType: dtype, Length: m.Length}
	}

	base := quoted + " " + s.typeName(dtype, m)

	if layer == catalog.SchemaCurated && m.IsPK {
		return base + " PRIMARY KEY NOT NULL", nil
	}
	// The processed layer never inlines catalog PKs; the merge logic owns key
	// semantics there.
	if m.IsNullable {
		return base + " NULL", nil
	}
	return base + " NOT NULL", nil
}

// textType is the unbounded text type used for raw-layer type erasure.
func (s *Synthesizer) textType() string { return "TEXT" }

// typeName renders a declared catalog type for the target dialect. m may be
// nil for the synthesized history columns.
func (s *Synthesizer) typeName(dtype string, m *catalog.ColumnMetadata) string {
	switch dtype {
	case "DECIMAL", "NUMERIC":
		precision, scale := 18, 0
		if m != nil {
			if m.Precision > 0 {
				precision = m.Precision
			}
			if m.Scale > 0 {
				scale = m.Scale
			}
		}
		return fmt.Sprintf("NUMERIC(%d,%d)", precision, scale)
	case "NVARCHAR", "VARCHAR":
		length := 0
		if m != nil {
			length = m.Length
		}
		if s.dialect.Name() == "sqlite" {
			return "TEXT"
		}
		return fmt.Sprintf("VARCHAR(%d)", length)
	case "INT":
		return "INTEGER"
	case "BIGINT":
		return "BIGINT"
	case "FLOAT":
		if s.dialect.Name() == "postgres" {
			return "DOUBLE PRECISION"
		}
		return "DOUBLE"
	case "BIT":
		switch s.dialect.Name() {
		case "postgres":
			return "BOOLEAN"
		case "mysql":
			return "TINYINT(1)"
		default:
			return "INTEGER"
		}
	case "DATETIME":
		switch s.dialect.Name() {
		case "postgres":
			return "TIMESTAMP"
		case "mysql":
			return "DATETIME"
		default:
			return "TEXT"
		}
	case "DATE":
		if s.dialect.Name() == "sqlite" {
			return "TEXT"
		}
		return "DATE"
	default:
		return dtype
	}
}

// CreateStatement renders the CREATE TABLE statement for a definition.
// foreignKeys holds only the references that survived the existence probe.
func (s *Synthesizer) CreateStatement(def *TargetTableDefinition, foreignKeys []ForeignKey) string {
	parts := make([]string, 0, len(def.Columns)+len(foreignKeys))
	for _, c := range def.Columns {
		parts = append(parts, "    "+c.Definition)
	}
	for _, fk := range foreignKeys {
		parts = append(parts, fmt.Sprintf("    FOREIGN KEY (%s) REFERENCES %s (%s)",
			s.dialect.QuoteIdent(fk.Column),
			s.dialect.QualifyTable(fk.RefSchema, fk.RefTable),
			s.dialect.QuoteIdent(fk.Column)))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)",
		s.dialect.QualifyTable(def.Schema, def.Table), strings.Join(parts, ",\n"))
}

// EnsureTable creates the target table when it does not already exist.
// Existence is probed case-insensitively and makes the call a no-op, so
// repeated runs are idempotent. Foreign keys whose referenced table is absent
// are skipped with a warning rather than failing the DDL.
func (s *Synthesizer) EnsureTable(ctx context.Context, conn store.Conn, def *TargetTableDefinition) (created bool, err error) {
	exists, err := conn.TableExists(ctx, def.Schema, def.Table)
	if err != nil {
		return false, exception.New(moduleName, exception.KindSynthesis,
			fmt.Sprintf("existence probe failed for %s.%s", def.Schema, def.Table), err)
	}
	if exists {
		logger.Debugf("EnsureTable: %s.%s already exists, skipping DDL.", def.Schema, def.Table)
		return false, nil
	}

	if err := conn.EnsureSchema(ctx, def.Schema); err != nil {
		return false, exception.New(moduleName, exception.KindSynthesis,
			fmt.Sprintf("failed to ensure schema '%s'", def.Schema), err)
	}

	var kept []ForeignKey
	for _, fk := range def.ForeignKeys {
		refExists, probeErr := conn.TableExists(ctx, fk.RefSchema, fk.RefTable)
		if probeErr != nil || !refExists {
			logger.Warnf("EnsureTable: skipping FK %s.%s(%s) -> %s.%s, referenced table not available.",
				def.Schema, def.Table, fk.Column, fk.RefSchema, fk.RefTable)
			continue
		}
		kept = append(kept, fk)
	}

	ddl := s.CreateStatement(def, kept)
	if _, err := conn.Exec(ctx, ddl); err != nil {
		return false, exception.New(moduleName, exception.KindSynthesis,
			fmt.Sprintf("CREATE TABLE failed for %s.%s", def.Schema, def.Table), err)
	}
	logger.Infof("Created table %s.%s with %d column(s), %d foreign key(s).",
		def.Schema, def.Table, len(def.Columns), len(kept))
	return true, nil
}
