package schema

import (
	"fmt"
	"strings"
)

// UnsupportedTypeError reports a declared target data type outside the
// accepted set.
type UnsupportedTypeError struct {
	Column   string
	DataType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported data type '%s' for column '%s'", e.DataType, e.Column)
}

// InvalidLengthError reports a variable-length type declared without a
// positive length.
type InvalidLengthError struct {
	Column   string
	DataType string
	Length   int
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("%s requires a positive Length for column '%s' (got %d)", e.DataType, e.Column, e.Length)
}

// MultiplePrimaryKeyError reports more than one PK-flagged column for a
// non-raw table. Only one inline primary key is allowed.
type MultiplePrimaryKeyError struct {
	Schema  string
	Table   string
	Columns []string
}

func (e *MultiplePrimaryKeyError) Error() string {
	return fmt.Sprintf("table %s.%s has multiple PK columns: %s; only one PRIMARY KEY is allowed",
		e.Schema, e.Table, strings.Join(e.Columns, ", "))
}
