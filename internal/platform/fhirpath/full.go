package fhirpath

import (
	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/types"
	"github.com/shopspring/decimal"

	"github.com/ehr/fhirtable/internal/platform/document"
)

// fullExpression delegates to github.com/gofhir/fhirpath, which implements the
// complete FHIRPath grammar. Results are mapped back to the same node kinds
// the native engine produces.
type fullExpression struct {
	compiled *fhirpath.Expression
}

func compileFull(src string) (*fullExpression, error) {
	compiled, err := fhirpath.Compile(src)
	if err != nil {
		return nil, err
	}
	return &fullExpression{compiled: compiled}, nil
}

// evaluate never fails: a runtime error of the underlying engine (for
// example single() over several values) is treated like missing data.
func (f *fullExpression) evaluate(resource *document.Node) Collection {
	result, err := f.compiled.Evaluate(resource.Raw())
	if err != nil {
		return Collection{}
	}
	out := make(Collection, 0, len(result))
	for _, v := range result {
		if n := fromValue(v); n != nil {
			out = append(out, n)
		}
	}
	return out
}

// fromValue converts one engine value. Temporal and quantity values keep
// their FHIRPath string form.
func fromValue(v types.Value) *document.Node {
	switch t := v.(type) {
	case nil:
		return nil
	case types.Boolean:
		return document.NewBool(t.Bool())
	case types.Integer:
		return document.NewNumber(decimal.NewFromInt(t.Value()))
	case types.Decimal:
		return document.NewNumber(t.Value())
	case types.String:
		return document.NewString(t.Value())
	case *types.ObjectValue:
		if n, err := document.Parse(t.Data()); err == nil {
			return n
		}
	}
	return document.NewString(v.String())
}
