package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vantagehq/vantage/pkg/model"
)

// TraceSummary is one row of a trace search: the aggregate shape of a trace
// plus the root span chosen for display.
type TraceSummary struct {
	TraceID         string  `json:"trace_id"`
	RootServiceName string  `json:"root_service_name"`
	RootSpanName    string  `json:"root_span_name"`
	StartUnixNanos  int64   `json:"start_time_unix_nano"`
	DurationNanos   int64   `json:"duration_nanos"`
	DurationSeconds float64 `json:"duration_seconds"`
	SpanCount       int     `json:"span_count"`
	ErrorCount      int     `json:"error_count"`
}

// SpanResult is one span as returned by span searches and trace detail.
type SpanResult struct {
	TraceID        string    `json:"trace_id"`
	SpanID         string    `json:"span_id"`
	ParentSpanID   string    `json:"parent_span_id,omitempty"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	StartUnixNanos int64     `json:"start_time_unix_nano"`
	EndUnixNanos   int64     `json:"end_time_unix_nano"`
	DurationNanos  int64     `json:"duration_nanos"`
	StatusCode     string    `json:"status_code"`
	StatusMessage  string    `json:"status_message,omitempty"`
	ServiceName    string    `json:"service_name"`
	Attributes     attrsJSON `json:"attributes,omitempty"`
	Events         attrsJSON `json:"events,omitempty"`
	Links          attrsJSON `json:"links,omitempty"`
}

// LogResult is one log record as returned by log searches.
type LogResult struct {
	TimeUnixNanos     int64     `json:"time_unix_nano"`
	ObservedUnixNanos int64     `json:"observed_time_unix_nano,omitempty"`
	SeverityNumber    int32     `json:"severity_number"`
	SeverityText      string    `json:"severity_text,omitempty"`
	Body              attrsJSON `json:"body,omitempty"`
	TraceID           string    `json:"trace_id,omitempty"`
	SpanID            string    `json:"span_id,omitempty"`
	ServiceName       string    `json:"service_name"`
	Attributes        attrsJSON `json:"attributes,omitempty"`
}

// MetricPointResult is one data point of a metric series.
type MetricPointResult struct {
	TimeUnixNanos      int64     `json:"time_unix_nano"`
	StartTimeUnixNanos int64     `json:"start_time_unix_nano,omitempty"`
	Value              float64   `json:"value"`
	Attributes         attrsJSON `json:"attributes,omitempty"`
	Payload            attrsJSON `json:"payload,omitempty"`
}

// MetricSeriesResult groups points returned for one descriptor.
type MetricSeriesResult struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Unit        string              `json:"unit,omitempty"`
	Kind        string              `json:"kind"`
	Temporality string              `json:"temporality,omitempty"`
	ServiceName string              `json:"service_name,omitempty"`
	Points      []MetricPointResult `json:"points"`
}

// SearchResult carries a page plus a has-more marker so callers can build
// pagination envelopes without a second count query.
type SearchResult[T any] struct {
	Items   []T
	HasMore bool
}

// SearchTraces aggregates spans by trace inside the clamped window and
// returns one summary per trace, newest first. MinDurationNanos filters on
// whole-trace duration.
func (s *Store) SearchTraces(ctx context.Context, w Window, filters []Filter, minDurationNanos int64, page Page) (SearchResult[TraceSummary], error) {
	var out SearchResult[TraceSummary]
	if err := s.gateRead(); err != nil {
		return out, err
	}
	if err := w.Validate(); err != nil {
		return out, err
	}
	w.StartNanos, w.EndNanos = s.clampWindow(w.StartNanos, w.EndNanos)

	b := &whereBuilder{}
	b.addWindow(w, "start_unix_nanos", "")
	if err := b.addFilters(filters, spanFields, "attrs"); err != nil {
		return out, err
	}

	having := "TRUE"
	if minDurationNanos > 0 {
		b.args = append(b.args, minDurationNanos)
		having = fmt.Sprintf("MAX(end_unix_nanos) - MIN(start_unix_nanos) >= $%d", len(b.args))
	}
	limit := page.limit()
	b.args = append(b.args, limit+1, page.Offset)

	// The lateral join re-runs root selection per trace: parentless
	// server/consumer/internal spans win, then earliest start, then lowest
	// span id bytes.
	q := fmt.Sprintf(`
WITH hits AS (
	SELECT trace_id,
	       MIN(start_unix_nanos) AS start_nanos,
	       MAX(end_unix_nanos)   AS end_nanos,
	       COUNT(*)              AS span_count,
	       COUNT(*) FILTER (WHERE status_code = %d) AS error_count
	FROM spans
	WHERE %s
	GROUP BY trace_id
	HAVING %s
	ORDER BY start_nanos DESC, trace_id
	LIMIT $%d OFFSET $%d
)
SELECT encode(h.trace_id, 'hex'), h.start_nanos, h.end_nanos, h.span_count, h.error_count, root.service_name, root.name
FROM hits h
JOIN LATERAL (
	SELECT service_name, name
	FROM spans sp
	WHERE sp.trace_id = h.trace_id
	ORDER BY (sp.parent_span_id IS NULL AND sp.kind IN (%d, %d, %d)) DESC,
	         sp.start_unix_nanos ASC, sp.span_id ASC
	LIMIT 1
) root ON TRUE
ORDER BY h.start_nanos DESC, h.trace_id`,
		model.StatusError, b.sql(), having, len(b.args)-1, len(b.args),
		model.SpanKindServer, model.SpanKindConsumer, model.SpanKindInternal)

	release, err := s.acquire(ctx, categoryQuery)
	if err != nil {
		return out, err
	}
	defer release()

	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return out, mapPgError("search traces", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t TraceSummary
		var end int64
		if err := rows.Scan(&t.TraceID, &t.StartUnixNanos, &end, &t.SpanCount, &t.ErrorCount, &t.RootServiceName, &t.RootSpanName); err != nil {
			return out, mapPgError("search traces", err)
		}
		t.DurationNanos = end - t.StartUnixNanos
		t.DurationSeconds = float64(t.DurationNanos) / 1e9
		out.Items = append(out.Items, t)
	}
	if err := rows.Err(); err != nil {
		return out, mapPgError("search traces", err)
	}
	out.Items, out.HasMore = trimPage(out.Items, limit)
	return out, nil
}

// SearchSpans returns individual spans matching the filters, newest first,
// with keyset continuation on (start, span_id).
func (s *Store) SearchSpans(ctx context.Context, w Window, filters []Filter, page Page) (SearchResult[SpanResult], error) {
	var out SearchResult[SpanResult]
	if err := s.gateRead(); err != nil {
		return out, err
	}
	if err := w.Validate(); err != nil {
		return out, err
	}
	w.StartNanos, w.EndNanos = s.clampWindow(w.StartNanos, w.EndNanos)

	b := &whereBuilder{}
	b.addWindow(w, "start_unix_nanos", "")
	if err := b.addFilters(filters, spanFields, "attrs"); err != nil {
		return out, err
	}
	if page.AfterID != "" {
		// Strictly before the last row seen, in the sort order below.
		b.add("(start_unix_nanos, span_id) < (?, decode(?, 'hex'))", page.AfterSort, page.AfterID)
	}
	limit := page.limit()
	b.args = append(b.args, limit+1, page.Offset)

	q := fmt.Sprintf(`
SELECT encode(trace_id, 'hex'), encode(span_id, 'hex'),
       coalesce(encode(parent_span_id, 'hex'), ''),
       name, kind, start_unix_nanos, end_unix_nanos,
       status_code, status_message, service_name,
       attrs, coalesce(events, 'null'::jsonb), coalesce(links, 'null'::jsonb)
FROM spans
WHERE %s
ORDER BY start_unix_nanos DESC, span_id ASC
LIMIT $%d OFFSET $%d`, b.sql(), len(b.args)-1, len(b.args))

	release, err := s.acquire(ctx, categoryQuery)
	if err != nil {
		return out, err
	}
	defer release()

	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return out, mapPgError("search spans", err)
	}
	defer rows.Close()

	for rows.Next() {
		sp, err := scanSpanResult(rows)
		if err != nil {
			return out, mapPgError("search spans", err)
		}
		out.Items = append(out.Items, sp)
	}
	if err := rows.Err(); err != nil {
		return out, mapPgError("search spans", err)
	}
	out.Items, out.HasMore = trimPage(out.Items, limit)
	return out, nil
}

// SearchLogs returns log records matching the filters, newest first.
func (s *Store) SearchLogs(ctx context.Context, w Window, filters []Filter, page Page) (SearchResult[LogResult], error) {
	var out SearchResult[LogResult]
	if err := s.gateRead(); err != nil {
		return out, err
	}
	if err := w.Validate(); err != nil {
		return out, err
	}
	w.StartNanos, w.EndNanos = s.clampWindow(w.StartNanos, w.EndNanos)

	b := &whereBuilder{}
	b.addWindow(w, "l.time_unix_nanos", "l.observed_unix_nanos")
	if err := b.addFilters(filters, logFields, "l.attrs"); err != nil {
		return out, err
	}
	limit := page.limit()
	b.args = append(b.args, limit+1, page.Offset)

	q := fmt.Sprintf(`
SELECT l.time_unix_nanos, l.observed_unix_nanos, l.severity_number, l.severity_text,
       coalesce(l.body, 'null'::jsonb),
       coalesce(encode(l.trace_id, 'hex'), ''), coalesce(encode(l.span_id, 'hex'), ''),
       r.service_name, l.attrs
FROM logs l
JOIN resources r ON r.id = l.resource_id
WHERE %s
ORDER BY l.time_unix_nanos DESC, l.fp_hi, l.fp_lo
LIMIT $%d OFFSET $%d`, b.sql(), len(b.args)-1, len(b.args))

	release, err := s.acquire(ctx, categoryQuery)
	if err != nil {
		return out, err
	}
	defer release()

	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return out, mapPgError("search logs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l LogResult
		if err := rows.Scan(&l.TimeUnixNanos, &l.ObservedUnixNanos, &l.SeverityNumber, &l.SeverityText,
			&l.Body, &l.TraceID, &l.SpanID, &l.ServiceName, &l.Attributes); err != nil {
			return out, mapPgError("search logs", err)
		}
		out.Items = append(out.Items, l)
	}
	if err := rows.Err(); err != nil {
		return out, mapPgError("search logs", err)
	}
	out.Items, out.HasMore = trimPage(out.Items, limit)
	return out, nil
}

// SearchMetrics returns metric series inside the window, grouped by
// descriptor, points ordered by time. An empty metric name matches every
// descriptor; descriptors with the same name but different unit or kind
// come back as separate series.
func (s *Store) SearchMetrics(ctx context.Context, w Window, metricName string, filters []Filter, page Page) (SearchResult[MetricSeriesResult], error) {
	var out SearchResult[MetricSeriesResult]
	if err := s.gateRead(); err != nil {
		return out, err
	}
	if err := w.Validate(); err != nil {
		return out, err
	}
	w.StartNanos, w.EndNanos = s.clampWindow(w.StartNanos, w.EndNanos)

	b := &whereBuilder{}
	b.addWindow(w, "p.time_unix_nanos", "")
	if metricName != "" {
		b.add("d.name = ?", metricName)
	}
	if err := b.addFilters(filters, map[string]fieldDef{
		"service_name": {"r.service_name", fieldText},
		"unit":         {"d.unit", fieldText},
		"kind":         {"d.kind", fieldText},
	}, "p.attrs"); err != nil {
		return out, err
	}
	limit := page.limit()
	b.args = append(b.args, limit*maxPointsPerSeries)

	q := fmt.Sprintf(`
SELECT d.id, d.name, d.description, d.unit, d.kind, d.temporality, r.service_name,
       p.time_unix_nanos, p.start_time_unix_nanos, p.value, p.attrs,
       coalesce(p.payload, 'null'::jsonb)
FROM metric_points p
JOIN metric_descriptors d ON d.id = p.descriptor_id
JOIN resources r ON r.id = p.resource_id
WHERE %s
ORDER BY d.id, p.time_unix_nanos ASC
LIMIT $%d`, b.sql(), len(b.args))

	release, err := s.acquire(ctx, categoryQuery)
	if err != nil {
		return out, err
	}
	defer release()

	rows, err := s.pool.Query(ctx, q, b.args...)
	if err != nil {
		return out, mapPgError("search metrics", err)
	}
	defer rows.Close()

	var cur *MetricSeriesResult
	var curID int64 = -1
	for rows.Next() {
		var id int64
		var series MetricSeriesResult
		var pt MetricPointResult
		if err := rows.Scan(&id, &series.Name, &series.Description, &series.Unit, &series.Kind,
			&series.Temporality, &series.ServiceName,
			&pt.TimeUnixNanos, &pt.StartTimeUnixNanos, &pt.Value, &pt.Attributes, &pt.Payload); err != nil {
			return out, mapPgError("search metrics", err)
		}
		if id != curID {
			if len(out.Items) == limit {
				out.HasMore = true
				break
			}
			out.Items = append(out.Items, series)
			cur = &out.Items[len(out.Items)-1]
			curID = id
		}
		cur.Points = append(cur.Points, pt)
	}
	if err := rows.Err(); err != nil {
		return out, mapPgError("search metrics", err)
	}
	return out, nil
}

// maxPointsPerSeries bounds the row fan-out of a metric search.
const maxPointsPerSeries = 2000

func scanSpanResult(rows pgx.Rows) (SpanResult, error) {
	var sp SpanResult
	var kind, status int16
	if err := rows.Scan(&sp.TraceID, &sp.SpanID, &sp.ParentSpanID, &sp.Name, &kind,
		&sp.StartUnixNanos, &sp.EndUnixNanos, &status, &sp.StatusMessage, &sp.ServiceName,
		&sp.Attributes, &sp.Events, &sp.Links); err != nil {
		return sp, err
	}
	sp.Kind = model.SpanKind(kind).String()
	sp.StatusCode = model.StatusCode(status).String()
	sp.DurationNanos = sp.EndUnixNanos - sp.StartUnixNanos
	return sp, nil
}

func trimPage[T any](items []T, limit int) ([]T, bool) {
	if len(items) > limit {
		return items[:limit], true
	}
	return items, false
}
