// Package flatten maps FHIR resource documents onto table rows using an
// ordered list of (column, FHIRPath) pairs.
package flatten

import (
	"fmt"
	"strings"

	"github.com/ehr/fhirtable/internal/platform/fhirpath"
)

// Field names one output column and the expression that fills it.
type Field struct {
	Column string `json:"column"`
	Expr   string `json:"expr"`
}

// ParseField splits "column=expression" at the first '='.
func ParseField(s string) (Field, error) {
	col, expr, ok := strings.Cut(s, "=")
	if !ok {
		return Field{}, &SpecError{Column: s, Msg: `expected "column=expression"`}
	}
	return Field{Column: strings.TrimSpace(col), Expr: strings.TrimSpace(expr)}, nil
}

// SpecError reports an unusable column definition.
type SpecError struct {
	Column string
	Msg    string
}

func (e *SpecError) Error() string {
	return fmt.Sprintf("field spec: column %q: %s", e.Column, e.Msg)
}

// FieldSpec is a compiled, immutable column list.
type FieldSpec struct {
	columns []string
	exprs   []*fhirpath.Expression
}

// Compile compiles fields with the native engine.
func Compile(fields []Field) (*FieldSpec, error) {
	return CompileWith(fhirpath.EngineNative, fields)
}

// CompileWith validates column names and compiles every expression with the
// given engine. Expression errors are *fhirpath.ParseError, wrapped with the
// column name.
func CompileWith(engine fhirpath.Engine, fields []Field) (*FieldSpec, error) {
	if len(fields) == 0 {
		return nil, &SpecError{Msg: "at least one column is required"}
	}

	spec := &FieldSpec{
		columns: make([]string, 0, len(fields)),
		exprs:   make([]*fhirpath.Expression, 0, len(fields)),
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		col := strings.TrimSpace(f.Column)
		if col == "" {
			return nil, &SpecError{Column: f.Column, Msg: "column name must not be empty"}
		}
		if seen[col] {
			return nil, &SpecError{Column: col, Msg: "duplicate column name"}
		}
		seen[col] = true

		expr, err := fhirpath.CompileWith(engine, f.Expr)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		spec.columns = append(spec.columns, col)
		spec.exprs = append(spec.exprs, expr)
	}
	return spec, nil
}

// Columns returns the column names in order.
func (s *FieldSpec) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Len returns the number of columns.
func (s *FieldSpec) Len() int { return len(s.columns) }

// Fields returns the source (column, expression) pairs.
func (s *FieldSpec) Fields() []Field {
	out := make([]Field, len(s.columns))
	for i := range s.columns {
		out[i] = Field{Column: s.columns[i], Expr: s.exprs[i].String()}
	}
	return out
}
