// Package enforce applies the data quality rules to a batch before it is
// loaded. Rules run in a fixed order and drop offending records rather than
// failing the run; every rule emits a structured finding for the audit trail.
package enforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidelake/stratum/pkg/etl/batch"
	"github.com/tidelake/stratum/pkg/etl/catalog"
	"github.com/tidelake/stratum/pkg/etl/store"
	"github.com/tidelake/stratum/pkg/etl/support/logger"
)

// Rule names as they appear in findings.
const (
	RulePK         = "pk"
	RuleNotNull    = "not_null"
	RuleFK         = "fk"
	RuleNoNegative = "no_negative_numeric"
)

// Finding is the structured outcome of one rule application.
type Finding struct {
	// Rule is one of the Rule* constants.
	Rule string
	// Columns lists the columns the rule evaluated.
	Columns []string
	// Dropped is the number of records the rule removed.
	Dropped int
	// Skipped is true when the rule could not be evaluated and was bypassed
	// (FK reference lookup failure).
	Skipped bool
	// Reason explains a skip or summarizes the drops.
	Reason string
}

// Enforcer applies the ordered data quality rules for one job.
type Enforcer struct {
	conn store.Conn
}

// NewEnforcer creates an Enforcer reading reference data through conn.
func NewEnforcer(conn store.Conn) *Enforcer {
	return &Enforcer{conn: conn}
}

// Apply runs the full rule sequence on in and returns the surviving batch plus
// one finding per applied rule. Data quality problems never produce an error;
// the error return covers only internal failures.
//
// Order is fixed: primary key (null drop, then dedupe keeping the last
// occurrence), not-null, foreign key membership, then the global
// no-negative-numeric rule.
func (e *Enforcer) Apply(ctx context.Context, in *batch.DataBatch, metadata []catalog.ColumnMetadata) (*batch.DataBatch, []Finding, error) {
	out := in
	findings := make([]Finding, 0, 4)

	out, f := e.applyPK(out, metadata)
	findings = append(findings, f)

	out, f = e.applyNotNull(out, metadata)
	findings = append(findings, f)

	out, fks := e.applyFK(ctx, out, metadata)
	findings = append(findings, fks...)

	out, f = e.applyNoNegative(out, metadata)
	findings = append(findings, f)

	for _, f := range findings {
		if f.Skipped {
			logger.Warnf("Rule '%s' skipped: %s", f.Rule, f.Reason)
		} else if f.Dropped > 0 {
			logger.Infof("Rule '%s' dropped %d record(s) on columns [%s].", f.Rule, f.Dropped, strings.Join(f.Columns, ", "))
		}
	}
	return out, findings, nil
}

// applyPK drops records with a null in any key column, then deduplicates by
// the composite key keeping the last occurrence in source order.
func (e *Enforcer) applyPK(in *batch.DataBatch, metadata []catalog.ColumnMetadata) (*batch.DataBatch, Finding) {
	keys := catalog.KeyColumns(metadata)
	finding := Finding{Rule: RulePK, Columns: keys}
	if len(keys) == 0 {
		return in, finding
	}

	nonNull := batch.New(in.Columns)
	for i, rec := range in.Records {
		hasNull := false
		for _, k := range keys {
			if in.Value(i, k) == nil {
				hasNull = true
				break
			}
		}
		if !hasNull {
			nonNull.Records = append(nonNull.Records, rec)
		}
	}

	deduped := nonNull.DedupeLastByKey(keys)
	finding.Dropped = in.Len() - deduped.Len()
	if finding.Dropped > 0 {
		finding.Reason = fmt.Sprintf("%d null-key record(s) and key duplicates removed, last occurrence kept", in.Len()-nonNull.Len())
	}
	return deduped, finding
}

// applyNotNull drops records with a null in any column declared NOT NULL.
// Key columns are already guaranteed non-null by the PK rule.
func (e *Enforcer) applyNotNull(in *batch.DataBatch, metadata []catalog.ColumnMetadata) (*batch.DataBatch, Finding) {
	var cols []string
	for _, m := range metadata {
		if !m.IsNullable && !m.IsPK {
			cols = append(cols, m.TargetColumnName)
		}
	}
	finding := Finding{Rule: RuleNotNull, Columns: cols}
	if len(cols) == 0 {
		return in, finding
	}

	out := batch.New(in.Columns)
	for i, rec := range in.Records {
		drop := false
		for _, c := range cols {
			if in.Value(i, c) == nil {
				drop = true
				break
			}
		}
		if !drop {
			out.Records = append(out.Records, rec)
		}
	}
	finding.Dropped = in.Len() - out.Len()
	return out, finding
}

// applyFK drops records whose FK value is absent from the referenced table.
// One finding is emitted per FK column. A failed reference lookup skips that
// rule instead of failing the run; unlike DDL synthesis the reference table is
// expected to exist here, so the skip is recorded loudly.
func (e *Enforcer) applyFK(ctx context.Context, in *batch.DataBatch, metadata []catalog.ColumnMetadata) (*batch.DataBatch, []Finding) {
	var findings []Finding
	out := in

	for _, m := range metadata {
		if !m.IsFK || strings.TrimSpace(m.ReferenceTable) == "" {
			continue
		}
		finding := Finding{Rule: RuleFK, Columns: []string{m.TargetColumnName}}
		refSchema, refTable := catalog.SplitReference(m.ReferenceTable)

		members, err := e.referenceMembers(ctx, refSchema, refTable, m.TargetColumnName)
		if err != nil {
			finding.Skipped = true
			finding.Reason = fmt.Sprintf("reference lookup %s.%s(%s) failed: %v", refSchema, refTable, m.TargetColumnName, err)
			findings = append(findings, finding)
			continue
		}

		kept := batch.New(out.Columns)
		for i, rec := range out.Records {
			v := out.Value(i, m.TargetColumnName)
			// Null FK values pass; nullability is the not-null rule's concern.
			if v == nil || members[batch.AsString(v)] {
				kept.Records = append(kept.Records, rec)
			}
		}
		finding.Dropped = out.Len() - kept.Len()
		out = kept
		findings = append(findings, finding)
	}
	return out, findings
}

// referenceMembers loads the distinct values of the referenced column into a
// membership set.
func (e *Enforcer) referenceMembers(ctx context.Context, schema, table, column string) (map[string]bool, error) {
	d := e.conn.Dialect()
	query := fmt.Sprintf("SELECT DISTINCT %s AS ref_value FROM %s",
		d.QuoteIdent(column), d.QualifyTable(schema, table))
	rows, err := e.conn.QueryRows(ctx, query)
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool, len(rows))
	for _, row := range rows {
		if v, ok := row["ref_value"]; ok && v != nil {
			members[batch.AsString(v)] = true
		}
	}
	return members, nil
}

// applyNoNegative drops records carrying a negative value in any numeric
// column. The rule is global and needs no catalog flag.
func (e *Enforcer) applyNoNegative(in *batch.DataBatch, metadata []catalog.ColumnMetadata) (*batch.DataBatch, Finding) {
	var cols []string
	for _, m := range metadata {
		if catalog.IsNumericType(m.TargetDataType) {
			cols = append(cols, m.TargetColumnName)
		}
	}
	finding := Finding{Rule: RuleNoNegative, Columns: cols}
	if len(cols) == 0 {
		return in, finding
	}

	out := batch.New(in.Columns)
	for i, rec := range in.Records {
		drop := false
		for _, c := range cols {
			v := in.Value(i, c)
			if v == nil {
				continue
			}
			if f, ok := batch.AsFloat(v); ok && f < 0 {
				drop = true
				break
			}
		}
		if !drop {
			out.Records = append(out.Records, rec)
		}
	}
	finding.Dropped = in.Len() - out.Len()
	return out, finding
}
