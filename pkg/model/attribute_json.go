package model

import (
	"bytes"
	"encoding/json"
	"math"
)

// The attributes column is typed JSONB. Marshaling renders each variant as
// its natural JSON type so promoted-field queries can use ->> extraction;
// bytes render as hex strings. Unmarshaling maps JSON types back, folding
// integral numbers into Int64.

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeString:
		return json.Marshal(v.str)
	case TypeInt64:
		return json.Marshal(v.i64)
	case TypeDouble:
		return json.Marshal(v.f64)
	case TypeBool:
		return json.Marshal(v.b)
	case TypeBytes:
		return json.Marshal(v.AsString())
	case TypeArray:
		return json.Marshal(v.arr)
	case TypeKVList:
		return json.Marshal(v.kv)
	}
	return []byte(`""`), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = valueFromRaw(raw)
	return nil
}

func valueFromRaw(raw any) Value {
	switch t := raw.(type) {
	case string:
		return StringValue(t)
	case bool:
		return BoolValue(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i)
		}
		f, err := t.Float64()
		if err != nil {
			return StringValue(t.String())
		}
		return DoubleValue(f)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return IntValue(int64(t))
		}
		return DoubleValue(t)
	case []any:
		vs := make([]Value, 0, len(t))
		for _, e := range t {
			vs = append(vs, valueFromRaw(e))
		}
		return ArrayValue(vs...)
	case map[string]any:
		kv := make(Attributes, len(t))
		for k, e := range t {
			kv[k] = valueFromRaw(e)
		}
		return KVListValue(kv)
	case nil:
		return StringValue("")
	}
	return StringValue("")
}
