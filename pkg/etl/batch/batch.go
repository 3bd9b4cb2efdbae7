// Package batch defines the DataBatch, the in-memory unit of data passed
// between the enforcer, the load strategies and the SCD engine. A batch is an
// ordered sequence of records aligned to a fixed column order.
package batch

import (
	"github.com/tidelake/stratum/pkg/etl/support/exception"
)

// Record is one row of a DataBatch, positionally aligned to the batch columns.
type Record []interface{}

// DataBatch is an ordered set of records sharing one column layout.
type DataBatch struct {
	// Columns is the target column order every record is aligned to.
	Columns []string
	// Records holds the rows in source order.
	Records []Record
}

// New creates an empty DataBatch with the given column order.
func New(columns []string) *DataBatch {
	return &DataBatch{Columns: columns, Records: make([]Record, 0)}
}

// Len returns the number of records in the batch.
func (b *DataBatch) Len() int { return len(b.Records) }

// IsEmpty reports whether the batch holds no records.
func (b *DataBatch) IsEmpty() bool { return len(b.Records) == 0 }

// ColumnIndex returns the position of the named column, or -1 if absent.
func (b *DataBatch) ColumnIndex(name string) int {
	for i, c := range b.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Append adds a record to the batch. The record length must match the column
// layout.
func (b *DataBatch) Append(rec Record) error {
	if len(rec) != len(b.Columns) {
		return exception.Newf("batch", exception.KindInternal,
			"record has %d values, batch has %d columns", len(rec), len(b.Columns))
	}
	b.Records = append(b.Records, rec)
	return nil
}

// Value returns the value of the named column in record i, or nil when the
// column is absent.
func (b *DataBatch) Value(i int, column string) interface{} {
	idx := b.ColumnIndex(column)
	if idx < 0 || i >= len(b.Records) {
		return nil
	}
	return b.Records[i][idx]
}

// Rows converts the records into the [][]interface{} shape consumed by the
// store's bulk insert.
func (b *DataBatch) Rows() [][]interface{} {
	rows := make([][]interface{}, len(b.Records))
	for i, rec := range b.Records {
		rows[i] = rec
	}
	return rows
}

// Maps converts the records into column-keyed maps, the shape consumed by the
// store's upsert.
func (b *DataBatch) Maps() []map[string]interface{} {
	out := make([]map[string]interface{}, len(b.Records))
	for i, rec := range b.Records {
		m := make(map[string]interface{}, len(b.Columns))
		for j, col := range b.Columns {
			m[col] = rec[j]
		}
		out[i] = m
	}
	return out
}

// FromMaps builds a DataBatch in the given column order from column-keyed
// maps, as returned by store queries. Missing keys become nil.
func FromMaps(columns []string, rows []map[string]interface{}) *DataBatch {
	b := New(columns)
	for _, row := range rows {
		rec := make(Record, len(columns))
		for i, col := range columns {
			rec[i] = row[col]
		}
		b.Records = append(b.Records, rec)
	}
	return b
}

// KeyOf builds a composite key string for the record at index i over the
// given key columns. Nil values are folded into a distinguishable marker so a
// nil key never collides with the empty string.
func (b *DataBatch) KeyOf(i int, keyColumns []string) string {
	key := ""
	for _, col := range keyColumns {
		v := b.Value(i, col)
		if v == nil {
			key += "\x00<nil>\x00"
			continue
		}
		key += "\x00" + AsString(v) + "\x00"
	}
	return key
}

// DedupeLastByKey returns a new batch containing, for every distinct key, only
// the last-seen record in source order. Records with a nil value in any key
// column are kept as-is (PK null handling belongs to the enforcer).
func (b *DataBatch) DedupeLastByKey(keyColumns []string) *DataBatch {
	if len(keyColumns) == 0 {
		return b
	}
	lastIndex := make(map[string]int, len(b.Records))
	for i := range b.Records {
		lastIndex[b.KeyOf(i, keyColumns)] = i
	}
	out := New(b.Columns)
	for i, rec := range b.Records {
		if lastIndex[b.KeyOf(i, keyColumns)] == i {
			out.Records = append(out.Records, rec)
		}
	}
	return out
}
