package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Kind identifies which member of the Value union is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable structured document node: null, bool, number, string,
// ordered list or string-keyed object. The zero Value is null.
//
// Numbers are held as float64 so 1, 1.0 and int64(1) are the same value.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	list []Value
	obj  map[string]Value
}

var ErrInvalidValue = errors.New("invalid value")

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number builds a numeric value. NaN and infinities have no JSON form and
// become null; negative zero becomes zero.
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	if f == 0 {
		f = 0
	}
	return Value{kind: KindNumber, num: f}
}

func Int(i int64) Value { return Number(float64(i)) }

func String(s string) Value { return Value{kind: KindString, str: s} }

func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

func Object(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindObject, obj: cp}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Len is the element count of a list or the field count of an object.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindObject:
		return len(v.obj)
	default:
		return 0
	}
}

func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp
}

func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	out, ok := v.obj[key]
	return out, ok
}

// Keys returns object keys in code point order.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) Fields() map[string]Value {
	if v.kind != KindObject {
		return nil
	}
	cp := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		cp[k] = f
	}
	return cp
}

// ValidUTF8 reports whether every string and object key in v is valid UTF-8.
func (v Value) ValidUTF8() bool {
	switch v.kind {
	case KindString:
		return utf8.ValidString(v.str)
	case KindList:
		for _, item := range v.list {
			if !item.ValidUTF8() {
				return false
			}
		}
	case KindObject:
		for k, f := range v.obj {
			if !utf8.ValidString(k) || !f.ValidUTF8() {
				return false
			}
		}
	}
	return true
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, f := range v.obj {
			other, ok := o.obj[k]
			if !ok || !f.Equal(other) {
				return false
			}
		}
		return true
	}
	return false
}

// ToAny converts to the shapes produced by encoding/json decoding into any.
func (v Value) ToAny() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, f := range v.obj {
			out[k] = f.ToAny()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts generic Go data (as decoded by encoding/json, or built by
// hand from maps, slices and scalars) into a Value. Strings and keys must be
// valid UTF-8.
func FromAny(in any) (Value, error) {
	v, err := fromAny(in)
	if err != nil {
		return Value{}, err
	}
	if !v.ValidUTF8() {
		return Value{}, fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue)
	}
	return v, nil
}

func fromAny(in any) (Value, error) {
	switch x := in.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrInvalidValue, x.String())
		}
		return finiteNumber(f)
	case float64:
		return finiteNumber(x)
	case float32:
		return finiteNumber(float64(x))
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Number(float64(x)), nil
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			cv, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = cv
		}
		return Value{kind: KindList, list: items}, nil
	case []string:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = String(item)
		}
		return Value{kind: KindList, list: items}, nil
	case []Value:
		return List(x...), nil
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, item := range x {
			cv, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = cv
		}
		return Value{kind: KindObject, obj: fields}, nil
	case map[string]string:
		fields := make(map[string]Value, len(x))
		for k, item := range x {
			fields[k] = String(item)
		}
		return Value{kind: KindObject, obj: fields}, nil
	case map[string]Value:
		return Object(x), nil
	case json.RawMessage:
		return ParseJSON(x)
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %T: %v", ErrInvalidValue, in, err)
		}
		return ParseJSON(raw)
	}
}

// MustFromAny is FromAny for literals known to be valid.
func MustFromAny(in any) Value {
	v, err := FromAny(in)
	if err != nil {
		panic(err)
	}
	return v
}

func finiteNumber(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite number", ErrInvalidValue)
	}
	return Number(f), nil
}

// ParseJSON decodes exactly one JSON document. Input that is not valid UTF-8
// is rejected rather than repaired.
func ParseJSON(data []byte) (Value, error) {
	if !utf8.Valid(data) {
		return Value{}, fmt.Errorf("%w: document is not valid UTF-8", ErrInvalidValue)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Value{}, fmt.Errorf("%w: trailing data", ErrInvalidValue)
	}
	return fromAny(raw)
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) String() string {
	raw, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(raw)
}
