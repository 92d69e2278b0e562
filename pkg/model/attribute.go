package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueType enumerates the variants an attribute value can take.
type ValueType int

const (
	TypeString ValueType = iota
	TypeInt64
	TypeDouble
	TypeBool
	TypeBytes
	TypeArray
	TypeKVList
)

// Value is a tagged attribute value. The zero Value is the empty string.
type Value struct {
	typ   ValueType
	str   string
	i64   int64
	f64   float64
	b     bool
	bytes []byte
	arr   []Value
	kv    Attributes
}

func StringValue(s string) Value  { return Value{typ: TypeString, str: s} }
func IntValue(i int64) Value      { return Value{typ: TypeInt64, i64: i} }
func DoubleValue(f float64) Value { return Value{typ: TypeDouble, f64: f} }
func BoolValue(b bool) Value      { return Value{typ: TypeBool, b: b} }
func BytesValue(b []byte) Value   { return Value{typ: TypeBytes, bytes: b} }
func ArrayValue(vs ...Value) Value {
	return Value{typ: TypeArray, arr: vs}
}
func KVListValue(kv Attributes) Value { return Value{typ: TypeKVList, kv: kv} }

func (v Value) Type() ValueType { return v.typ }
func (v Value) Str() string     { return v.str }
func (v Value) Int() int64      { return v.i64 }
func (v Value) Double() float64 { return v.f64 }
func (v Value) Bool() bool      { return v.b }
func (v Value) Bytes() []byte   { return v.bytes }
func (v Value) Array() []Value  { return v.arr }
func (v Value) KVList() Attributes {
	return v.kv
}

// AsString renders the value for display and for promotion into typed
// columns. Arrays and kv-lists render as their canonical JSON-ish form.
func (v Value) AsString() string {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeInt64:
		return strconv.FormatInt(v.i64, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f64, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeBytes:
		return fmt.Sprintf("%x", v.bytes)
	case TypeArray:
		parts := make([]string, 0, len(v.arr))
		for _, e := range v.arr {
			parts = append(parts, e.AsString())
		}
		return "[" + strings.Join(parts, ",") + "]"
	case TypeKVList:
		parts := make([]string, 0, len(v.kv))
		for _, k := range v.kv.SortedKeys() {
			parts = append(parts, k+"="+v.kv[k].AsString())
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	return ""
}

// Truncate caps the size of string and bytes payloads at max bytes,
// recursing into composites. Returns true when anything was cut.
func (v *Value) Truncate(max int) bool {
	if max <= 0 {
		return false
	}
	switch v.typ {
	case TypeString:
		if len(v.str) > max {
			v.str = v.str[:max]
			return true
		}
	case TypeBytes:
		if len(v.bytes) > max {
			v.bytes = v.bytes[:max]
			return true
		}
	case TypeArray:
		cut := false
		for i := range v.arr {
			if v.arr[i].Truncate(max) {
				cut = true
			}
		}
		return cut
	case TypeKVList:
		cut := false
		for k := range v.kv {
			e := v.kv[k]
			if e.Truncate(max) {
				v.kv[k] = e
				cut = true
			}
		}
		return cut
	}
	return false
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeString:
		return v.str == o.str
	case TypeInt64:
		return v.i64 == o.i64
	case TypeDouble:
		return v.f64 == o.f64
	case TypeBool:
		return v.b == o.b
	case TypeBytes:
		return string(v.bytes) == string(o.bytes)
	case TypeArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case TypeKVList:
		return v.kv.Equal(o.kv)
	}
	return false
}

// Attributes is a normalized attribute map.
type Attributes map[string]Value

// SortedKeys returns the keys in byte order, the order the canonical
// serializer walks them in.
func (a Attributes) SortedKeys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two attribute maps structurally.
func (a Attributes) Equal(o Attributes) bool {
	if len(a) != len(o) {
		return false
	}
	for k, v := range a {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Get returns the value for key as a string, for promoted-field lookups.
func (a Attributes) Get(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	return v.AsString(), true
}

// appendCanonical writes the length-prefixed canonical form that drives the
// fingerprint. The encoding is: type tag byte, then a payload whose variable
// parts are length-prefixed with a little-endian uint32.
func (v Value) appendCanonical(buf []byte) []byte {
	buf = append(buf, byte(v.typ))
	switch v.typ {
	case TypeString:
		buf = appendLenPrefixed(buf, []byte(v.str))
	case TypeInt64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.i64))
	case TypeDouble:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.f64))
	case TypeBool:
		if v.b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case TypeBytes:
		buf = appendLenPrefixed(buf, v.bytes)
	case TypeArray:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.arr)))
		for _, e := range v.arr {
			buf = e.appendCanonical(buf)
		}
	case TypeKVList:
		buf = v.kv.appendCanonical(buf)
	}
	return buf
}

func (a Attributes) appendCanonical(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a)))
	for _, k := range a.SortedKeys() {
		buf = appendLenPrefixed(buf, []byte(k))
		buf = a[k].appendCanonical(buf)
	}
	return buf
}

// Canonical returns the canonical serialized form of the attribute map.
// Two maps serialize identically iff they are structurally equal.
func (a Attributes) Canonical() []byte {
	return a.appendCanonical(make([]byte, 0, 64*len(a)+4))
}

func appendLenPrefixed(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}
