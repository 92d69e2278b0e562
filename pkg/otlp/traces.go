package otlp

import (
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/vantagehq/vantage/pkg/model"
)

// Normalizer applies the configured ingest limits while decoding.
type Normalizer struct {
	// MaxAttributeBytes caps string/bytes attribute values. Zero disables
	// truncation.
	MaxAttributeBytes int
}

// TracesResult is the outcome of decoding one trace export.
type TracesResult struct {
	Spans     []model.Span
	Rejected  int // spans dropped for invalid ids or inverted timestamps
	Truncated int // spans with at least one truncated attribute value
}

// Traces converts a pdata trace payload into model spans, dropping spans
// whose identifiers are absent or whose timestamps are inverted.
func (n Normalizer) Traces(td ptrace.Traces) TracesResult {
	var res TracesResult
	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		resource := convertResource(rs.Resource().Attributes())
		sss := rs.ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			ss := sss.At(j)
			scope := convertScope(ss.Scope())
			spans := ss.Spans()
			for k := 0; k < spans.Len(); k++ {
				span, ok := n.convertSpan(spans.At(k), resource, scope)
				if !ok {
					res.Rejected++
					continue
				}
				if n.truncateAttrs(span.Attributes) {
					res.Truncated++
				}
				res.Spans = append(res.Spans, span)
			}
		}
	}
	return res
}

func (n Normalizer) convertSpan(s ptrace.Span, resource model.Resource, scope model.Scope) (model.Span, bool) {
	traceID := model.TraceID(s.TraceID())
	spanID := model.SpanID(s.SpanID())
	if traceID.IsZero() || spanID.IsZero() {
		return model.Span{}, false
	}
	start := uint64(s.StartTimestamp())
	end := uint64(s.EndTimestamp())
	if end < start {
		return model.Span{}, false
	}

	out := model.Span{
		TraceID:        traceID,
		SpanID:         spanID,
		ParentSpanID:   model.SpanID(s.ParentSpanID()),
		Name:           s.Name(),
		Kind:           convertSpanKind(s.Kind()),
		StartUnixNanos: start,
		EndUnixNanos:   end,
		StatusCode:     convertStatusCode(s.Status().Code()),
		StatusMessage:  s.Status().Message(),
		Resource:       resource,
		Scope:          scope,
		Attributes:     convertAttributes(s.Attributes()),
	}

	events := s.Events()
	if events.Len() > 0 {
		out.Events = make([]model.SpanEvent, 0, events.Len())
		for i := 0; i < events.Len(); i++ {
			ev := events.At(i)
			out.Events = append(out.Events, model.SpanEvent{
				TimeUnixNanos: uint64(ev.Timestamp()),
				Name:          ev.Name(),
				Attributes:    convertAttributes(ev.Attributes()),
			})
		}
	}

	links := s.Links()
	if links.Len() > 0 {
		out.Links = make([]model.SpanLink, 0, links.Len())
		for i := 0; i < links.Len(); i++ {
			ln := links.At(i)
			out.Links = append(out.Links, model.SpanLink{
				TraceID:    model.TraceID(ln.TraceID()).String(),
				SpanID:     model.SpanID(ln.SpanID()).String(),
				Attributes: convertAttributes(ln.Attributes()),
			})
		}
	}

	return out, true
}

func (n Normalizer) truncateAttrs(attrs model.Attributes) bool {
	if n.MaxAttributeBytes <= 0 {
		return false
	}
	cut := false
	for k := range attrs {
		v := attrs[k]
		if v.Truncate(n.MaxAttributeBytes) {
			attrs[k] = v
			cut = true
		}
	}
	return cut
}

func convertSpanKind(k ptrace.SpanKind) model.SpanKind {
	switch k {
	case ptrace.SpanKindInternal:
		return model.SpanKindInternal
	case ptrace.SpanKindServer:
		return model.SpanKindServer
	case ptrace.SpanKindClient:
		return model.SpanKindClient
	case ptrace.SpanKindProducer:
		return model.SpanKindProducer
	case ptrace.SpanKindConsumer:
		return model.SpanKindConsumer
	default:
		return model.SpanKindUnspecified
	}
}

func convertStatusCode(c ptrace.StatusCode) model.StatusCode {
	switch c {
	case ptrace.StatusCodeOk:
		return model.StatusOK
	case ptrace.StatusCodeError:
		return model.StatusError
	default:
		return model.StatusUnset
	}
}
