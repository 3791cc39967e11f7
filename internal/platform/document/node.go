// Package document holds the tagged node tree that FHIR resources are decoded
// into before path evaluation. Object keys and array elements keep the order
// they had in the source JSON so evaluation results are reproducible.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Kind tags the variant held by a Node.
type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Object
	Array
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "boolean"
	case Number:
		return "number"
	case String:
		return "string"
	case Object:
		return "object"
	case Array:
		return "array"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Node is one value in a JSON-like document.
type Node struct {
	kind   Kind
	str    string
	num    decimal.Decimal
	b      bool
	keys   []string
	fields map[string]*Node
	elems  []*Node
	raw    []byte
}

// NewNull returns a null node.
func NewNull() *Node { return &Node{kind: Null} }

// NewString returns a string node.
func NewString(s string) *Node { return &Node{kind: String, str: s} }

// NewBool returns a boolean node.
func NewBool(b bool) *Node { return &Node{kind: Bool, b: b} }

// FormatNumber renders d keeping the scale it was parsed with, so 1.50 stays
// "1.50" where Decimal.String would print "1.5".
func FormatNumber(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// NewNumber returns a numeric node.
func NewNumber(d decimal.Decimal) *Node { return &Node{kind: Number, num: d} }

// NewObject returns an empty object node. Fields are added with Set.
func NewObject() *Node {
	return &Node{kind: Object, fields: make(map[string]*Node)}
}

// NewArray returns an array node holding elems in order.
func NewArray(elems ...*Node) *Node {
	return &Node{kind: Array, elems: elems}
}

// Set adds or replaces a field on an object node. The first insertion of a
// key fixes its position.
func (n *Node) Set(key string, v *Node) {
	if n.kind != Object {
		return
	}
	if _, ok := n.fields[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.fields[key] = v
	n.raw = nil
}

func (n *Node) Kind() Kind {
	if n == nil {
		return Null
	}
	return n.kind
}

// IsScalar reports whether the node is a primitive (string, number, boolean)
// or null.
func (n *Node) IsScalar() bool {
	k := n.Kind()
	return k != Object && k != Array
}

// Field returns the named field of an object node, or nil when the node is
// not an object or the field is absent.
func (n *Node) Field(name string) *Node {
	if n == nil || n.kind != Object {
		return nil
	}
	return n.fields[name]
}

// Keys returns object keys in document order.
func (n *Node) Keys() []string {
	if n == nil || n.kind != Object {
		return nil
	}
	return n.keys
}

// Elements returns array elements in document order.
func (n *Node) Elements() []*Node {
	if n == nil || n.kind != Array {
		return nil
	}
	return n.elems
}

// Len is the number of fields or elements; zero for scalars.
func (n *Node) Len() int {
	switch n.Kind() {
	case Object:
		return len(n.keys)
	case Array:
		return len(n.elems)
	}
	return 0
}

func (n *Node) StringValue() (string, bool) {
	if n.Kind() != String {
		return "", false
	}
	return n.str, true
}

func (n *Node) BoolValue() (bool, bool) {
	if n.Kind() != Bool {
		return false, false
	}
	return n.b, true
}

func (n *Node) NumberValue() (decimal.Decimal, bool) {
	if n.Kind() != Number {
		return decimal.Zero, false
	}
	return n.num, true
}

// Scalar returns the Go value of the node: string, decimal.Decimal, bool or
// nil. Objects and arrays are rendered as compact JSON strings.
func (n *Node) Scalar() any {
	switch n.Kind() {
	case Null:
		return nil
	case String:
		return n.str
	case Number:
		return n.num
	case Bool:
		return n.b
	}
	return string(n.Raw())
}

// Text renders the node as it should appear in a flat table cell.
func (n *Node) Text() string {
	switch n.Kind() {
	case Null:
		return ""
	case String:
		return n.str
	case Number:
		return FormatNumber(n.num)
	case Bool:
		if n.b {
			return "true"
		}
		return "false"
	}
	return string(n.Raw())
}

// Raw returns the JSON encoding of the node. Nodes produced by Parse return
// the bytes they were decoded from.
func (n *Node) Raw() []byte {
	if n == nil {
		return []byte("null")
	}
	if n.raw != nil {
		return n.raw
	}
	var buf bytes.Buffer
	n.encode(&buf)
	return buf.Bytes()
}

func (n *Node) MarshalJSON() ([]byte, error) {
	return n.Raw(), nil
}

func (n *Node) encode(buf *bytes.Buffer) {
	if n == nil {
		buf.WriteString("null")
		return
	}
	if n.raw != nil {
		buf.Write(n.raw)
		return
	}
	switch n.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		if n.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(FormatNumber(n.num))
	case String:
		s, _ := json.Marshal(n.str)
		buf.Write(s)
	case Object:
		buf.WriteByte('{')
		for i, k := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, _ := json.Marshal(k)
			buf.Write(key)
			buf.WriteByte(':')
			n.fields[k].encode(buf)
		}
		buf.WriteByte('}')
	case Array:
		buf.WriteByte('[')
		for i, e := range n.elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			e.encode(buf)
		}
		buf.WriteByte(']')
	}
}

// FromValue converts a decoded Go value (maps, slices, scalars) into a Node.
// Map keys are sorted since Go maps carry no order.
func FromValue(v any) (*Node, error) {
	switch val := v.(type) {
	case nil:
		return NewNull(), nil
	case *Node:
		return val, nil
	case string:
		return NewString(val), nil
	case bool:
		return NewBool(val), nil
	case decimal.Decimal:
		return NewNumber(val), nil
	case float64:
		return NewNumber(decimal.NewFromFloat(val)), nil
	case float32:
		return NewNumber(decimal.NewFromFloat32(val)), nil
	case int:
		return NewNumber(decimal.NewFromInt(int64(val))), nil
	case int32:
		return NewNumber(decimal.NewFromInt32(val)), nil
	case int64:
		return NewNumber(decimal.NewFromInt(val)), nil
	case json.Number:
		d, err := decimal.NewFromString(string(val))
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return NewNumber(d), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := NewObject()
		for _, k := range keys {
			child, err := FromValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			obj.Set(k, child)
		}
		return obj, nil
	case []any:
		elems := make([]*Node, len(val))
		for i, e := range val {
			child, err := FromValue(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			elems[i] = child
		}
		return NewArray(elems...), nil
	case []string:
		elems := make([]*Node, len(val))
		for i, s := range val {
			elems[i] = NewString(s)
		}
		return NewArray(elems...), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// MustFromValue is FromValue that panics on error. Intended for fixtures.
func MustFromValue(v any) *Node {
	n, err := FromValue(v)
	if err != nil {
		panic(err)
	}
	return n
}
