package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/starford/pictura/internal/apperr"
)

// member is one key of a JSON object, kept in document order.
type member struct {
	key   string
	value any
}

// object is a JSON object with its key order preserved.
type object []member

// Parse decodes a JSON filter. An empty object yields a nil Expr.
func Parse(data []byte) (Expr, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, apperr.ErrInvalidQueryStructure.Withf("Invalid query: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, apperr.ErrInvalidQueryStructure.Withf("Invalid query: trailing data")
	}
	obj, ok := v.(object)
	if !ok {
		return nil, apperr.ErrInvalidQueryStructure.Withf("Query must be an object")
	}
	return parseObject(obj)
}

// ParseMap builds an Expr from already decoded input. Keys are visited in
// sorted order since map order is lost.
func ParseMap(m map[string]any) (Expr, error) {
	return parseObject(fromMap(m))
}

func fromMap(m map[string]any) object {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	obj := make(object, 0, len(keys))
	for _, k := range keys {
		obj = append(obj, member{key: k, value: fromAny(m[k])})
	}
	return obj
}

func fromAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return fromMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = fromAny(e)
		}
		return out
	default:
		return v
	}
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var obj object
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected key %v", kt)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj = append(obj, member{key: key, value: v})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			if obj == nil {
				obj = object{}
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return tok, nil
	}
}

func parseObject(obj object) (Expr, error) {
	var children []Expr
	for _, m := range obj {
		if strings.HasPrefix(m.key, "$") {
			g, err := parseCombinator(m.key, m.value)
			if err != nil {
				return nil, err
			}
			children = append(children, g)
			continue
		}
		e, err := parseField(m.key, m.value)
		if err != nil {
			return nil, err
		}
		children = append(children, e)
	}
	return collapse(children), nil
}

// collapse wraps sibling expressions in an implicit AND.
func collapse(children []Expr) Expr {
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	}
	return &Group{Combinator: And, Children: children, Implicit: true}
}

func parseCombinator(key string, value any) (Expr, error) {
	var comb Combinator
	switch key {
	case string(And):
		comb = And
	case string(Or):
		comb = Or
	default:
		if _, ok := operators[key]; ok {
			return nil, apperr.ErrInvalidQueryStructure.Withf("Operator %s must be applied to a field", key)
		}
		return nil, apperr.ErrInvalidQueryOperator.Withf("Unknown operator: %s", key)
	}

	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, apperr.ErrInvalidQueryStructure.Withf("%s requires a non-empty array of expressions", key)
	}
	g := &Group{Combinator: comb}
	for _, item := range list {
		sub, ok := item.(object)
		if !ok {
			return nil, apperr.ErrInvalidQueryStructure.Withf("%s requires a non-empty array of expressions", key)
		}
		e, err := parseObject(sub)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, apperr.ErrInvalidQueryStructure.Withf("%s contains an empty expression", key)
		}
		g.Children = append(g.Children, e)
	}
	return g, nil
}

func parseField(field string, value any) (Expr, error) {
	if field == "" || strings.ContainsAny(field, "\"\\") {
		return nil, apperr.ErrInvalidQueryStructure.Withf("Invalid field name: %q", field)
	}

	ops, ok := value.(object)
	if !ok {
		v, err := scalar(value)
		if err != nil {
			return nil, apperr.ErrInvalidQueryStructure.Withf("Invalid value for field %s", field)
		}
		return &Cond{Field: field, Op: OpEq, Value: v}, nil
	}
	if len(ops) == 0 {
		return nil, apperr.ErrInvalidQueryStructure.Withf("Empty operator object for field %s", field)
	}

	var conds []Expr
	for _, m := range ops {
		op, known := operators[m.key]
		if !known {
			if strings.HasPrefix(m.key, "$") && m.key != string(And) && m.key != string(Or) {
				return nil, apperr.ErrInvalidQueryOperator.Withf("Unknown operator: %s", m.key)
			}
			return nil, apperr.ErrInvalidQueryStructure.Withf("Nested objects are not supported for field %s", field)
		}
		c, err := parseCond(field, op, m.value)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return collapse(conds), nil
}

func parseCond(field string, op Op, value any) (*Cond, error) {
	switch op {
	case OpIn, OpNin:
		list, ok := value.([]any)
		if !ok || len(list) == 0 {
			return nil, apperr.ErrInvalidQueryStructure.Withf("%s on %s requires a non-empty array", op, field)
		}
		vals := make([]any, len(list))
		for i, item := range list {
			v, err := scalar(item)
			if err != nil || v == nil {
				return nil, apperr.ErrInvalidQueryStructure.Withf("%s on %s accepts only non-null scalars", op, field)
			}
			vals[i] = v
		}
		return &Cond{Field: field, Op: op, Value: vals}, nil
	case OpWildcard:
		s, ok := value.(string)
		if !ok {
			return nil, apperr.ErrInvalidQueryStructure.Withf("%s on %s requires a string", op, field)
		}
		return &Cond{Field: field, Op: op, Value: s}, nil
	default:
		v, err := scalar(value)
		if err != nil {
			return nil, apperr.ErrInvalidQueryStructure.Withf("%s on %s requires a scalar", op, field)
		}
		return &Cond{Field: field, Op: op, Value: v}, nil
	}
}

var errNotScalar = errors.New("not a scalar")

// scalar normalises a JSON leaf to string, int64, float64, bool or nil.
func scalar(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil || math.IsInf(f, 0) {
			return nil, errNotScalar
		}
		return f, nil
	}
	return nil, errNotScalar
}
