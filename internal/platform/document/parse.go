package document

import (
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"
)

// Parse decodes a JSON document into a Node tree.
func Parse(data []byte) (*Node, error) {
	value, dataType, _, err := jsonparser.Get(data)
	if err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	return decode(value, dataType)
}

// MustParse is Parse that panics on error. Intended for fixtures.
func MustParse(s string) *Node {
	n, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return n
}

func decode(value []byte, dataType jsonparser.ValueType) (*Node, error) {
	switch dataType {
	case jsonparser.Null:
		return NewNull(), nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(value)
		if err != nil {
			return nil, fmt.Errorf("document: boolean: %w", err)
		}
		return NewBool(b), nil
	case jsonparser.Number:
		d, err := decimal.NewFromString(string(value))
		if err != nil {
			return nil, fmt.Errorf("document: number %q: %w", value, err)
		}
		return NewNumber(d), nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return nil, fmt.Errorf("document: string: %w", err)
		}
		return NewString(s), nil
	case jsonparser.Object:
		return decodeObject(value)
	case jsonparser.Array:
		return decodeArray(value)
	}
	return nil, fmt.Errorf("document: unsupported value %q", truncate(value))
}

func decodeObject(value []byte) (*Node, error) {
	obj := NewObject()
	err := jsonparser.ObjectEach(value, func(key []byte, v []byte, dataType jsonparser.ValueType, _ int) error {
		name, err := jsonparser.ParseString(key)
		if err != nil {
			return fmt.Errorf("document: key: %w", err)
		}
		child, err := decode(v, dataType)
		if err != nil {
			return err
		}
		obj.Set(name, child)
		return nil
	})
	if err != nil {
		return nil, err
	}
	obj.raw = value
	return obj, nil
}

func decodeArray(value []byte) (*Node, error) {
	arr := NewArray()
	var firstErr error
	_, err := jsonparser.ArrayEach(value, func(v []byte, dataType jsonparser.ValueType, _ int, err error) {
		if firstErr != nil {
			return
		}
		if err != nil {
			firstErr = err
			return
		}
		child, err := decode(v, dataType)
		if err != nil {
			firstErr = err
			return
		}
		arr.elems = append(arr.elems, child)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	if err != nil {
		return nil, fmt.Errorf("document: array: %w", err)
	}
	arr.raw = value
	return arr, nil
}

func truncate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}
