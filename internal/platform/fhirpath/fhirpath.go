// Package fhirpath compiles and evaluates FHIRPath expressions against
// decoded FHIR resources.
//
// The native engine implements the subset needed to flatten resources into
// tables: dotted navigation with implicit broadcasting over repeating
// elements, .where() filters built from comparisons joined by and/or, [n]
// indexing and the first/last/exists/empty/count/not functions. Expressions
// that need the full grammar can be compiled with EngineFull instead.
package fhirpath

import (
	"fmt"
	"strings"

	"github.com/ehr/fhirtable/internal/platform/document"
)

// Collection is the result of evaluating an expression: zero or more nodes in
// document order.
type Collection []*document.Node

// Values returns the Go scalar of every item (see document.Node.Scalar).
func (c Collection) Values() []any {
	out := make([]any, len(c))
	for i, n := range c {
		out[i] = n.Scalar()
	}
	return out
}

// Strings returns the text rendering of every item.
func (c Collection) Strings() []string {
	out := make([]string, len(c))
	for i, n := range c {
		out[i] = n.Text()
	}
	return out
}

// Engine selects the evaluator behind an Expression.
type Engine string

const (
	EngineNative Engine = "native"
	EngineFull   Engine = "full"
)

// ParseEngine maps a configuration value to an Engine. The empty string
// selects the native engine.
func ParseEngine(s string) (Engine, error) {
	switch Engine(strings.ToLower(strings.TrimSpace(s))) {
	case "", EngineNative:
		return EngineNative, nil
	case EngineFull:
		return EngineFull, nil
	}
	return "", fmt.Errorf("unknown fhirpath engine %q (want %q or %q)", s, EngineNative, EngineFull)
}

// ParseError reports a malformed expression. It is only ever returned by
// Compile; evaluation does not fail.
type ParseError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("fhirpath: parse %q: %s at position %d", e.Expr, e.Msg, e.Pos)
	}
	return fmt.Sprintf("fhirpath: parse %q: %s", e.Expr, e.Msg)
}

// Expression is a compiled, immutable FHIRPath expression. It is safe for
// concurrent use.
type Expression struct {
	src    string
	engine Engine
	ast    *astNode
	full   *fullExpression
}

// Compile parses expr with the native engine.
func Compile(expr string) (*Expression, error) {
	return CompileWith(EngineNative, expr)
}

// MustCompile is Compile that panics on error.
func MustCompile(expr string) *Expression {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// CompileWith parses expr with the given engine.
func CompileWith(engine Engine, expr string) (*Expression, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, &ParseError{Expr: expr, Pos: -1, Msg: "empty expression"}
	}

	switch engine {
	case EngineNative, "":
		ast, err := parse(src)
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				pe.Expr = src
				return nil, pe
			}
			return nil, &ParseError{Expr: src, Pos: -1, Msg: err.Error()}
		}
		return &Expression{src: src, engine: EngineNative, ast: ast}, nil
	case EngineFull:
		full, err := compileFull(src)
		if err != nil {
			return nil, &ParseError{Expr: src, Pos: -1, Msg: err.Error()}
		}
		return &Expression{src: src, engine: EngineFull, full: full}, nil
	}
	return nil, fmt.Errorf("fhirpath: unknown engine %q", engine)
}

// String returns the source text of the expression.
func (e *Expression) String() string { return e.src }

// Engine reports which engine compiled the expression.
func (e *Expression) Engine() Engine { return e.engine }

// Evaluate runs the expression against one resource. Missing data yields an
// empty collection.
func (e *Expression) Evaluate(resource *document.Node) Collection {
	if resource == nil || resource.Kind() == document.Null {
		return Collection{}
	}
	if e.full != nil {
		return e.full.evaluate(resource)
	}
	ev := &evaluator{root: resource}
	return ev.eval(e.ast, Collection{resource})
}
