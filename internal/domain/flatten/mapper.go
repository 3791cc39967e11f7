package flatten

import (
	"fmt"
	"strings"

	"github.com/ehr/fhirtable/internal/platform/document"
	"github.com/ehr/fhirtable/internal/platform/fhirpath"
)

// Row holds one value per column, in column order. Values are string,
// decimal.Decimal, bool, or nil when the expression produced nothing.
type Row []any

// Policy decides how multi-valued columns become rows.
type Policy string

const (
	// PolicyFirst emits one row per document, keeping the first value of
	// each column.
	PolicyFirst Policy = "first"
	// PolicyJoin emits one row per document; columns with several values
	// are joined into a single string.
	PolicyJoin Policy = "join"
	// PolicyExplode emits the cross product of all column values. Empty
	// columns contribute a single nil, so every document yields a row. The
	// product grows multiplicatively with the number of multi-valued columns,
	// so rows per document are capped (see WithMaxRows).
	PolicyExplode Policy = "explode"
)

// ParsePolicy maps a configuration value to a Policy; empty means first.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyFirst, nil
	case PolicyFirst, PolicyJoin, PolicyExplode:
		return p, nil
	}
	return "", fmt.Errorf("row policy must be %q, %q or %q, got %q", PolicyFirst, PolicyJoin, PolicyExplode, s)
}

// DefaultSeparator joins values under PolicyJoin.
const DefaultSeparator = ", "

// DefaultMaxExplodeRows caps the rows one document may produce under
// PolicyExplode.
const DefaultMaxExplodeRows = 1000

// MapperOption configures a Mapper.
type MapperOption func(*Mapper)

// WithPolicy sets the row policy.
func WithPolicy(p Policy) MapperOption {
	return func(m *Mapper) {
		if p != "" {
			m.policy = p
		}
	}
}

// WithSeparator sets the PolicyJoin separator.
func WithSeparator(sep string) MapperOption {
	return func(m *Mapper) { m.sep = sep }
}

// WithMaxRows caps the rows per document under PolicyExplode. Values <= 0
// keep the default.
func WithMaxRows(n int) MapperOption {
	return func(m *Mapper) {
		if n > 0 {
			m.maxRows = n
		}
	}
}

// Mapper applies a FieldSpec to documents. It holds no mutable state and is
// safe for concurrent use.
type Mapper struct {
	spec    *FieldSpec
	policy  Policy
	sep     string
	maxRows int
}

// NewMapper returns a mapper for spec. The default policy is PolicyFirst.
func NewMapper(spec *FieldSpec, opts ...MapperOption) *Mapper {
	m := &Mapper{spec: spec, policy: PolicyFirst, sep: DefaultSeparator, maxRows: DefaultMaxExplodeRows}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Spec returns the mapper's field spec.
func (m *Mapper) Spec() *FieldSpec { return m.spec }

// Policy returns the row policy in effect.
func (m *Mapper) Policy() Policy { return m.policy }

// Extract evaluates every column against doc. Each returned row has exactly
// one value per column.
func (m *Mapper) Extract(doc *document.Node) []Row {
	results := make([]fhirpath.Collection, len(m.spec.exprs))
	for i, expr := range m.spec.exprs {
		results[i] = expr.Evaluate(doc)
	}

	switch m.policy {
	case PolicyJoin:
		return []Row{m.joinRow(results)}
	case PolicyExplode:
		return explode(results, m.maxRows)
	default:
		return []Row{firstRow(results)}
	}
}

func firstRow(results []fhirpath.Collection) Row {
	row := make(Row, len(results))
	for i, c := range results {
		if len(c) > 0 {
			row[i] = c[0].Scalar()
		}
	}
	return row
}

func (m *Mapper) joinRow(results []fhirpath.Collection) Row {
	row := make(Row, len(results))
	for i, c := range results {
		switch len(c) {
		case 0:
		case 1:
			row[i] = c[0].Scalar()
		default:
			row[i] = strings.Join(c.Strings(), m.sep)
		}
	}
	return row
}

// explode builds the cross product in column order and stops once limit rows
// exist; the rows kept are the first limit in that order.
func explode(results []fhirpath.Collection, limit int) []Row {
	rows := []Row{make(Row, 0, len(results))}
	for _, c := range results {
		values := c.Values()
		if len(values) == 0 {
			values = []any{nil}
		}
		next := make([]Row, 0, min(len(rows)*len(values), limit))
	product:
		for _, r := range rows {
			for _, v := range values {
				if len(next) == limit {
					break product
				}
				nr := make(Row, len(r), len(results))
				copy(nr, r)
				next = append(next, append(nr, v))
			}
		}
		rows = next
	}
	return rows
}
