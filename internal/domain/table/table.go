// Package table assembles flattened rows into a rectangular table and
// renders it as CSV, JSON, NDJSON or aligned text.
package table

import (
	"fmt"

	"github.com/ehr/fhirtable/internal/platform/document"
)

// SchemaError reports a row whose width does not match the columns. It is
// an internal fault and is never recovered from.
type SchemaError struct {
	Row  int
	Want int
	Got  int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("table schema: row %d has %d values, want %d", e.Row, e.Got, e.Want)
}

// Table is an ordered set of rows over fixed columns. Every row has exactly
// len(Columns()) values; missing values are nil.
type Table struct {
	columns []string
	rows    [][]any
}

// Columns returns the column names in order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Rows returns the rows in arrival order. The slices are shared; callers
// must not modify them.
func (t *Table) Rows() [][]any { return t.rows }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Value returns the cell at row i for the named column.
func (t *Table) Value(i int, column string) (any, bool) {
	if i < 0 || i >= len(t.rows) {
		return nil, false
	}
	for j, c := range t.columns {
		if c == column {
			return t.rows[i][j], true
		}
	}
	return nil, false
}

// MarshalJSON encodes {"columns": [...], "rows": [[...], ...]}, keeping
// decimal precision.
func (t *Table) MarshalJSON() ([]byte, error) {
	cols := make([]*document.Node, len(t.columns))
	for i, c := range t.columns {
		cols[i] = document.NewString(c)
	}
	rows := make([]*document.Node, len(t.rows))
	for i, r := range t.rows {
		cells := make([]*document.Node, len(r))
		for j, v := range r {
			n, err := cellNode(v)
			if err != nil {
				return nil, err
			}
			cells[j] = n
		}
		rows[i] = document.NewArray(cells...)
	}
	obj := document.NewObject()
	obj.Set("columns", document.NewArray(cols...))
	obj.Set("rows", document.NewArray(rows...))
	return obj.Raw(), nil
}

// Assembler collects rows. The first SchemaError poisons it: later Appends
// and Table return the same error.
type Assembler struct {
	columns []string
	rows    [][]any
	err     error
}

// NewAssembler starts an empty table over columns.
func NewAssembler(columns []string) *Assembler {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Assembler{columns: cols, rows: make([][]any, 0)}
}

// Append adds row after checking its width.
func (a *Assembler) Append(row []any) error {
	if a.err != nil {
		return a.err
	}
	if len(row) != len(a.columns) {
		a.err = &SchemaError{Row: len(a.rows), Want: len(a.columns), Got: len(row)}
		return a.err
	}
	r := make([]any, len(row))
	copy(r, row)
	a.rows = append(a.rows, r)
	return nil
}

// Err returns the poisoning error, if any.
func (a *Assembler) Err() error { return a.err }

// Table returns the assembled table, or the poisoning error.
func (a *Assembler) Table() (*Table, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &Table{columns: a.columns, rows: a.rows}, nil
}
