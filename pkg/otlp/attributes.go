// Package otlp decodes OTLP payloads (pdata) into the canonical model and
// applies ingest normalization: severity clamping, id validation, attribute
// truncation. Both wire encodings (protobuf and JSON) funnel through pdata,
// so normalization has a single code path.
package otlp

import (
	"go.opentelemetry.io/collector/pdata/pcommon"

	"github.com/vantagehq/vantage/pkg/model"
)

func convertValue(v pcommon.Value) model.Value {
	switch v.Type() {
	case pcommon.ValueTypeStr:
		return model.StringValue(v.Str())
	case pcommon.ValueTypeInt:
		return model.IntValue(v.Int())
	case pcommon.ValueTypeDouble:
		return model.DoubleValue(v.Double())
	case pcommon.ValueTypeBool:
		return model.BoolValue(v.Bool())
	case pcommon.ValueTypeBytes:
		raw := v.Bytes().AsRaw()
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return model.BytesValue(cp)
	case pcommon.ValueTypeSlice:
		s := v.Slice()
		out := make([]model.Value, 0, s.Len())
		for i := 0; i < s.Len(); i++ {
			out = append(out, convertValue(s.At(i)))
		}
		return model.ArrayValue(out...)
	case pcommon.ValueTypeMap:
		return model.KVListValue(convertAttributes(v.Map()))
	default:
		return model.StringValue("")
	}
}

func convertAttributes(m pcommon.Map) model.Attributes {
	out := make(model.Attributes, m.Len())
	m.Range(func(k string, v pcommon.Value) bool {
		out[k] = convertValue(v)
		return true
	})
	return out
}

func convertResource(attrs pcommon.Map) model.Resource {
	return model.NewResource(convertAttributes(attrs))
}

func convertScope(s pcommon.InstrumentationScope) model.Scope {
	return model.Scope{
		Name:       s.Name(),
		Version:    s.Version(),
		Attributes: convertAttributes(s.Attributes()),
	}
}
