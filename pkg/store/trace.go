package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/verrors"
)

// traceLookupSlack widens a miss once: spans of a known trace can start
// before the caller's window or be delivered late.
const traceLookupSlack = 24 * time.Hour

// maxTraceSpans caps the span fan-out of a single trace fetch.
const maxTraceSpans = 10000

// TraceDetail is the full assembled trace: every span inside the lookup
// window plus aggregates derived from them.
type TraceDetail struct {
	TraceID         string       `json:"trace_id"`
	RootServiceName string       `json:"root_service_name"`
	RootSpanName    string       `json:"root_span_name"`
	StartUnixNanos  int64        `json:"start_time_unix_nano"`
	DurationNanos   int64        `json:"duration_nanos"`
	DurationSeconds float64      `json:"duration_seconds"`
	SpanCount       int          `json:"span_count"`
	ErrorCount      int          `json:"error_count"`
	Spans           []SpanResult `json:"spans"`
}

// GetTraceDetail fetches every span of a trace inside the window. A miss is
// retried once with the window widened by traceLookupSlack on both sides
// before NotFound is returned.
func (s *Store) GetTraceDetail(ctx context.Context, traceID model.TraceID, w Window) (*TraceDetail, error) {
	if err := s.gateRead(); err != nil {
		return nil, err
	}
	if traceID.IsZero() {
		return nil, verrors.E(verrors.KindInvalid, "trace id must not be zero")
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, categoryQuery)
	if err != nil {
		return nil, err
	}
	defer release()

	detail, err := s.fetchTrace(ctx, traceID, w)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		wide := Window{
			StartNanos: w.StartNanos - traceLookupSlack.Nanoseconds(),
			EndNanos:   w.EndNanos + traceLookupSlack.Nanoseconds(),
			Field:      w.Field,
		}
		detail, err = s.fetchTrace(ctx, traceID, wide)
		if err != nil {
			return nil, err
		}
	}
	if detail == nil {
		return nil, verrors.E(verrors.KindNotFound, "trace %s not found", traceID)
	}
	return detail, nil
}

func (s *Store) fetchTrace(ctx context.Context, traceID model.TraceID, w Window) (*TraceDetail, error) {
	start, end := s.clampWindow(w.StartNanos, w.EndNanos)
	if end <= start {
		return nil, nil
	}

	q := fmt.Sprintf(`
SELECT encode(trace_id, 'hex'), encode(span_id, 'hex'),
       coalesce(encode(parent_span_id, 'hex'), ''),
       name, kind, start_unix_nanos, end_unix_nanos,
       status_code, status_message, service_name,
       attrs, coalesce(events, 'null'::jsonb), coalesce(links, 'null'::jsonb)
FROM spans
WHERE trace_id = $1 AND start_unix_nanos >= $2 AND start_unix_nanos < $3
ORDER BY start_unix_nanos ASC, span_id ASC
LIMIT %d`, maxTraceSpans)

	rows, err := s.pool.Query(ctx, q, traceID[:], start, end)
	if err != nil {
		return nil, mapPgError("fetch trace", err)
	}
	defer rows.Close()

	var spans []SpanResult
	for rows.Next() {
		sp, err := scanSpanResult(rows)
		if err != nil {
			return nil, mapPgError("fetch trace", err)
		}
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("fetch trace", err)
	}
	if len(spans) == 0 {
		return nil, nil
	}
	return assembleTrace(traceID.String(), spans), nil
}

// assembleTrace derives the trace aggregates and picks the root span.
func assembleTrace(traceID string, spans []SpanResult) *TraceDetail {
	d := &TraceDetail{
		TraceID:   traceID,
		SpanCount: len(spans),
		Spans:     spans,
	}

	minStart := spans[0].StartUnixNanos
	maxEnd := spans[0].EndUnixNanos
	skeleton := make([]model.Span, len(spans))
	for i, sp := range spans {
		if sp.StartUnixNanos < minStart {
			minStart = sp.StartUnixNanos
		}
		if sp.EndUnixNanos > maxEnd {
			maxEnd = sp.EndUnixNanos
		}
		if sp.StatusCode == model.StatusError.String() {
			d.ErrorCount++
		}
		skeleton[i] = spanSkeleton(sp)
	}

	d.StartUnixNanos = minStart
	d.DurationNanos = maxEnd - minStart
	d.DurationSeconds = float64(d.DurationNanos) / 1e9

	if root := model.ChooseRoot(skeleton); root >= 0 {
		d.RootServiceName = spans[root].ServiceName
		d.RootSpanName = spans[root].Name
	}
	return d
}

// spanSkeleton rebuilds just enough of a span for root selection.
func spanSkeleton(sp SpanResult) model.Span {
	sk := model.Span{
		Name:           sp.Name,
		StartUnixNanos: uint64(sp.StartUnixNanos),
		EndUnixNanos:   uint64(sp.EndUnixNanos),
	}
	if id, err := model.SpanIDFromHex(sp.SpanID); err == nil {
		sk.SpanID = id
	}
	if sp.ParentSpanID != "" {
		if id, err := model.SpanIDFromHex(sp.ParentSpanID); err == nil {
			sk.ParentSpanID = id
		}
	}
	sk.Kind = model.ParseSpanKind(sp.Kind)
	return sk
}
