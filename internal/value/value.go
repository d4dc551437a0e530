// Package value implements the dynamically-typed value model cached and
// served by the relay. A Value is a tagged variant: exactly one of a fixed
// set of kinds, immutable once constructed. Integer and floating-point
// numbers are distinct kinds and survive a JSON round trip unchanged.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the type held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// maxNestingDepth bounds FromAny recursion so cyclic or absurdly deep
// structures fail instead of hanging.
const maxNestingDepth = 64

// Value is an immutable dynamically-typed value. The zero Value is null.
type Value struct {
	kind     Kind
	boolVal  bool
	intVal   int64
	floatVal float64
	strVal   string
	listVal  []Value
	mapVal   map[string]Value
}

// Null returns the null value.
func Null() Value {
	return Value{kind: KindNull}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, boolVal: b}
}

// Int returns an integer value.
func Int(i int64) Value {
	return Value{kind: KindInt, intVal: i}
}

// Float returns a floating-point value.
func Float(f float64) Value {
	return Value{kind: KindFloat, floatVal: f}
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, strVal: s}
}

// List returns a list value holding a copy of items.
func List(items ...Value) Value {
	copied := make([]Value, len(items))
	copy(copied, items)
	return Value{kind: KindList, listVal: copied}
}

// Map returns a map value holding a copy of m.
func Map(m map[string]Value) Value {
	copied := make(map[string]Value, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return Value{kind: KindMap, mapVal: copied}
}

// FromAny converts a native Go value into a Value. Supported inputs are
// nil, booleans, integer and float types, strings, json.Number, []any,
// map[string]any, []Value, map[string]Value, and Value itself. Nesting
// deeper than maxNestingDepth is rejected.
func FromAny(v any) (Value, error) {
	return fromAny(v, 0)
}

func fromAny(v any, depth int) (Value, error) {
	if depth > maxNestingDepth {
		return Null(), fmt.Errorf("value nested deeper than %d levels", maxNestingDepth)
	}
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Int(int64(t)), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Null(), fmt.Errorf("uint64 value %d overflows int64", t)
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return fromNumber(t), nil
	case []Value:
		return List(t...), nil
	case map[string]Value:
		return Map(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			cv, err := fromAny(item, depth+1)
			if err != nil {
				return Null(), err
			}
			items = append(items, cv)
		}
		return Value{kind: KindList, listVal: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			cv, err := fromAny(item, depth+1)
			if err != nil {
				return Null(), err
			}
			m[k] = cv
		}
		return Value{kind: KindMap, mapVal: m}, nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", v)
	}
}

// fromNumber keeps integers integral: a json.Number without a fraction or
// exponent becomes KindInt, everything else KindFloat.
func fromNumber(n json.Number) Value {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return Int(i)
		}
	}
	f, err := n.Float64()
	if err != nil {
		return String(s)
	}
	return Float(f)
}

// Parse decodes a JSON document into a Value, preserving the int/float
// distinction.
func Parse(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}

// Kind returns the kind tag.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsBool returns the boolean payload; ok is false for other kinds.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.boolVal, true
}

// AsInt returns the integer payload; ok is false for other kinds, including
// floats.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.intVal, true
}

// AsFloat returns the float payload; ok is false for other kinds, including
// ints.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.floatVal, true
}

// AsString returns the string payload; ok is false for other kinds.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.strVal, true
}

// AsList returns a copy of the list payload; ok is false for other kinds.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	copied := make([]Value, len(v.listVal))
	copy(copied, v.listVal)
	return copied, true
}

// AsMap returns a copy of the map payload; ok is false for other kinds.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	copied := make(map[string]Value, len(v.mapVal))
	for k, item := range v.mapVal {
		copied[k] = item
	}
	return copied, true
}

// Len returns the number of elements for lists and maps, zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.listVal)
	case KindMap:
		return len(v.mapVal)
	default:
		return 0
	}
}

// GoValue returns the native Go representation: nil, bool, int64, float64,
// string, []any, or map[string]any.
func (v Value) GoValue() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.boolVal
	case KindInt:
		return v.intVal
	case KindFloat:
		return v.floatVal
	case KindString:
		return v.strVal
	case KindList:
		out := make([]any, len(v.listVal))
		for i, item := range v.listVal {
			out[i] = item.GoValue()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.mapVal))
		for k, item := range v.mapVal {
			out[k] = item.GoValue()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep equality. Kinds must match exactly: Int(3) and
// Float(3) are not equal.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.boolVal == other.boolVal
	case KindInt:
		return v.intVal == other.intVal
	case KindFloat:
		return v.floatVal == other.floatVal
	case KindString:
		return v.strVal == other.strVal
	case KindList:
		if len(v.listVal) != len(other.listVal) {
			return false
		}
		for i := range v.listVal {
			if !v.listVal[i].Equal(other.listVal[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.mapVal) != len(other.mapVal) {
			return false
		}
		for k, item := range v.mapVal {
			otherItem, ok := other.mapVal[k]
			if !ok || !item.Equal(otherItem) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String returns the JSON encoding of the value.
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "null"
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler. Integral floats keep a trailing
// ".0" so the int/float distinction survives a round trip.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		if v.boolVal {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.intVal, 10)), nil
	case KindFloat:
		return formatFloat(v.floatVal), nil
	case KindString:
		return json.Marshal(v.strVal)
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.listVal {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindMap:
		keys := make([]string, 0, len(v.mapVal))
		for k := range v.mapVal {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyData, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(keyData)
			buf.WriteByte(':')
			data, err := v.mapVal[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(data)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("cannot marshal value of kind %d", v.kind)
	}
}

func formatFloat(f float64) []byte {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// JSON has no representation for these; match encoding/json by
		// degrading to null rather than emitting invalid output.
		return []byte("null")
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return []byte(s)
}

// UnmarshalJSON implements json.Unmarshaler, preserving int-ness via
// json.Number.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
