package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// IsContainer reports whether values of this kind are stored as tree nodes.
func (k Kind) IsContainer() bool {
	return k == KindObject || k == KindArray
}

// Value is a detached, JSON-shaped datum. The zero Value is the absent
// sentinel: reading a missing key yields it and storing it is rejected.
//
// Containers inside a Value are shared by reference between copies of the
// Value; treat them as immutable once handed to the tree or to ApplyDiff.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	obj  *Object
	arr  []Value
}

// Absent is the "no value" sentinel.
var Absent Value

func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

func String(s string) Value { return Value{kind: KindString, str: s} }

func ArrayValue(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// ObjectValue wraps o. A nil object is an empty object.
func ObjectValue(o *Object) Value {
	if o == nil {
		o = NewObject()
	}
	return Value{kind: KindObject, obj: o}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

func (v Value) AsBool() bool { return v.b }

func (v Value) AsNumber() float64 { return v.num }

func (v Value) AsString() string { return v.str }

func (v Value) AsObject() *Object { return v.obj }

func (v Value) AsArray() []Value { return v.arr }

// Len returns the number of properties of a container, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindObject:
		return v.obj.Len()
	case KindArray:
		return len(v.arr)
	}
	return 0
}

// Get returns the property at key for objects and arrays (decimal index).
func (v Value) Get(key string) Value {
	switch v.kind {
	case KindObject:
		r, _ := v.obj.Get(key)
		return r
	case KindArray:
		i, ok := parseIndex(key)
		if !ok || i >= len(v.arr) {
			return Absent
		}
		return v.arr[i]
	}
	return Absent
}

// At walks a path of keys.
func (v Value) At(path ...string) Value {
	for _, k := range path {
		v = v.Get(k)
		if v.IsAbsent() {
			return Absent
		}
	}
	return v
}

// validate rejects absent values anywhere inside v.
func validate(v Value) error {
	switch v.kind {
	case KindAbsent:
		return ErrInvalidValue
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return fmt.Errorf("%w: non-finite number", ErrInvalidValue)
		}
	case KindObject:
		for _, k := range v.obj.keys {
			if err := validate(v.obj.fields[k]); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	case KindArray:
		for i, item := range v.arr {
			if err := validate(item); err != nil {
				return fmt.Errorf("%d: %w", i, err)
			}
		}
	}
	return nil
}

// Equal reports structural equality. Object key order is ignored.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindAbsent, KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if a.obj.Len() != b.obj.Len() {
			return false
		}
		for _, k := range a.obj.keys {
			bv, ok := b.obj.fields[k]
			if !ok || !Equal(a.obj.fields[k], bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Object is an insertion-ordered string-keyed map of values.
type Object struct {
	keys   []string
	fields map[string]Value
}

func NewObject() *Object {
	return &Object{fields: make(map[string]Value)}
}

// Set stores v at key. An existing key keeps its position. Returns o for chaining.
func (o *Object) Set(key string, v Value) *Object {
	if _, ok := o.fields[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.fields[key] = v
	return o
}

func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return Absent, false
	}
	v, ok := o.fields[key]
	return v, ok
}

func (o *Object) Delete(key string) *Object {
	if _, ok := o.fields[key]; !ok {
		return o
	}
	delete(o.fields, key)
	o.keys = removeKey(o.keys, key)
	return o
}

func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

func (o *Object) clone() *Object {
	c := &Object{
		keys:   make([]string, len(o.keys), len(o.keys)+1),
		fields: make(map[string]Value, len(o.fields)+1),
	}
	copy(c.keys, o.keys)
	for k, v := range o.fields {
		c.fields[k] = v
	}
	return c
}

func removeKey(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

func parseIndex(key string) (int, bool) {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// FromAny converts decoded Go data (as produced by encoding/json or msgpack)
// into a Value. Map keys are sorted since Go maps carry no order.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Absent, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return Number(f), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Absent, err
			}
			items[i] = v
		}
		return ArrayValue(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		o := NewObject()
		for _, k := range keys {
			v, err := FromAny(t[k])
			if err != nil {
				return Absent, err
			}
			o.Set(k, v)
		}
		return ObjectValue(o), nil
	}
	return Absent, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, x)
}

// MustFromAny is FromAny for literals in tests and static data.
func MustFromAny(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Interface converts v back into plain Go data (map[string]any, []any, ...).
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindObject:
		m := make(map[string]any, v.obj.Len())
		for _, k := range v.obj.keys {
			m[k] = v.obj.fields[k].Interface()
		}
		return m
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON writes objects in insertion order.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindAbsent:
		return ErrInvalidValue
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		b, err := json.Marshal(v.num)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindObject:
		buf.WriteByte('{')
		for i, k := range v.obj.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeJSON(buf, v.obj.fields[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	}
	return nil
}

// UnmarshalJSON keeps object key order as found in the document.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out, err := decodeJSON(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after JSON value")
	}
	*v = out
	return nil
}

func decodeJSON(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Absent, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			o := NewObject()
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Absent, err
				}
				key, ok := kt.(string)
				if !ok {
					return Absent, fmt.Errorf("unexpected object key %v", kt)
				}
				item, err := decodeJSON(dec)
				if err != nil {
					return Absent, err
				}
				o.Set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Absent, err
			}
			return ObjectValue(o), nil
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := decodeJSON(dec)
				if err != nil {
					return Absent, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Absent, err
			}
			return ArrayValue(items...), nil
		}
		return Absent, fmt.Errorf("unexpected delimiter %v", t)
	default:
		return FromAny(t)
	}
}

// String renders v as JSON, for logs and debugging.
func (v Value) String() string {
	if v.kind == KindAbsent {
		return "<absent>"
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(b)
}
