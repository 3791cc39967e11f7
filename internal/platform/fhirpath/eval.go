package fhirpath

import (
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirtable/internal/platform/document"
)

// evaluator walks a compiled tree. Every step maps a collection to a
// collection; missing data is an empty collection, never an error.
type evaluator struct {
	root *document.Node
}

func (ev *evaluator) eval(node *astNode, input Collection) Collection {
	switch node.kind {
	case ndLiteral:
		return Collection{node.literal}
	case ndThis:
		return input
	case ndPath:
		return ev.evalPath(node.name, input)
	case ndDot:
		return ev.eval(node.children[1], ev.eval(node.children[0], input))
	case ndIndex:
		coll := ev.eval(node.children[0], input)
		if node.index >= len(coll) {
			return Collection{}
		}
		return Collection{coll[node.index]}
	case ndFunction:
		return ev.evalFunction(node, input)
	case ndCompare:
		return ev.evalCompare(node, input)
	case ndAnd:
		if !truthy(ev.eval(node.children[0], input)) {
			return Collection{document.NewBool(false)}
		}
		return Collection{document.NewBool(truthy(ev.eval(node.children[1], input)))}
	case ndOr:
		if truthy(ev.eval(node.children[0], input)) {
			return Collection{document.NewBool(true)}
		}
		return Collection{document.NewBool(truthy(ev.eval(node.children[1], input)))}
	}
	return Collection{}
}

// evalPath resolves an identifier against every item of the input. A
// capitalised identifier names the resource type of the root document.
func (ev *evaluator) evalPath(name string, input Collection) Collection {
	if isResourceTypeName(name) {
		if r := resolveRoot(ev.root, name); r != nil {
			return Collection{r}
		}
		return Collection{}
	}

	result := Collection{}
	for _, item := range input {
		result = appendField(result, item.Field(name))
	}
	return result
}

// appendField broadcasts over arrays and drops nulls so the result never
// contains nested sequences.
func appendField(dst Collection, v *document.Node) Collection {
	switch v.Kind() {
	case document.Null:
		return dst
	case document.Array:
		for _, e := range v.Elements() {
			dst = appendField(dst, e)
		}
		return dst
	}
	return append(dst, v)
}

// resolveRoot matches a resource-type identifier against the root document.
// Both plain resources ({"resourceType": "Patient", ...}) and the wrapped form
// ({"Patient": {...}}) are accepted.
func resolveRoot(root *document.Node, name string) *document.Node {
	if rt, ok := root.Field("resourceType").StringValue(); ok {
		if rt == name {
			return root
		}
		return nil
	}
	if root.Len() == 1 {
		if inner := root.Field(name); inner.Kind() == document.Object {
			return inner
		}
	}
	return nil
}

func isResourceTypeName(name string) bool {
	if name == "" {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}

func (ev *evaluator) evalFunction(node *astNode, input Collection) Collection {
	focus := input
	if node.receiver != nil {
		focus = ev.eval(node.receiver, input)
	}

	switch node.name {
	case "where":
		return ev.filter(focus, node.children[0])
	case "exists":
		if len(node.children) == 1 {
			focus = ev.filter(focus, node.children[0])
		}
		return Collection{document.NewBool(len(focus) > 0)}
	case "empty":
		return Collection{document.NewBool(len(focus) == 0)}
	case "first":
		if len(focus) == 0 {
			return Collection{}
		}
		return Collection{focus[0]}
	case "last":
		if len(focus) == 0 {
			return Collection{}
		}
		return Collection{focus[len(focus)-1]}
	case "count":
		return Collection{document.NewNumber(decimal.NewFromInt(int64(len(focus))))}
	case "not":
		if len(focus) == 0 {
			return Collection{}
		}
		return Collection{document.NewBool(!truthy(focus))}
	}
	return Collection{}
}

// filter keeps the items for which the predicate, evaluated with the item as
// its only input, is true. Document order is preserved.
func (ev *evaluator) filter(coll Collection, pred *astNode) Collection {
	result := Collection{}
	for _, item := range coll {
		if truthy(ev.eval(pred, Collection{item})) {
			result = append(result, item)
		}
	}
	return result
}

// evalCompare applies a comparison with existential semantics: the result is
// true when any pair drawn from the two sides satisfies the operator. An empty
// side yields an empty result. "!=" is the negation of "=".
func (ev *evaluator) evalCompare(node *astNode, input Collection) Collection {
	left := ev.eval(node.children[0], input)
	right := ev.eval(node.children[1], input)
	if len(left) == 0 || len(right) == 0 {
		return Collection{}
	}

	op := node.name
	negate := false
	if op == "!=" {
		op, negate = "=", true
	}

	matched := false
	for _, l := range left {
		for _, r := range right {
			if compare(l, r, op) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	return Collection{document.NewBool(matched != negate)}
}

func compare(l, r *document.Node, op string) bool {
	if ln, ok := l.NumberValue(); ok {
		if rn, ok := r.NumberValue(); ok {
			return compareOrdered(ln.Cmp(rn), op)
		}
	}
	if lb, ok := l.BoolValue(); ok {
		if rb, ok := r.BoolValue(); ok {
			return op == "=" && lb == rb
		}
	}
	// Mixed kinds, such as a number against a string literal, never match.
	if !l.IsScalar() || !r.IsScalar() || l.Kind() != r.Kind() {
		return false
	}
	ls, rs := l.Text(), r.Text()
	switch {
	case ls < rs:
		return compareOrdered(-1, op)
	case ls > rs:
		return compareOrdered(1, op)
	}
	return compareOrdered(0, op)
}

func compareOrdered(c int, op string) bool {
	switch op {
	case "=":
		return c == 0
	case "<":
		return c < 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case ">=":
		return c >= 0
	}
	return false
}

// truthy converts a collection to a boolean:
//   - empty           → false
//   - single boolean  → that boolean
//   - anything else   → true
func truthy(coll Collection) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		if b, ok := coll[0].BoolValue(); ok {
			return b
		}
	}
	return true
}
