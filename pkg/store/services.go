package store

import (
	"context"
	"sort"

	"github.com/influxdata/tdigest"

	"github.com/vantagehq/vantage/pkg/model"
)

// ServiceEntry is one row of the service catalog with its RED aggregates
// over the query window.
type ServiceEntry struct {
	Name           string  `json:"name"`
	Namespace      string  `json:"namespace,omitempty"`
	SpanCount      int64   `json:"span_count"`
	RequestCount   int64   `json:"request_count"`
	ErrorCount     int64   `json:"error_count"`
	ErrorRate      float64 `json:"error_rate"`
	RequestRate    float64 `json:"request_rate"`
	P50Millis      float64 `json:"p50_ms"`
	P95Millis      float64 `json:"p95_ms"`
	P99Millis      float64 `json:"p99_ms"`
	FirstSeenNanos int64   `json:"first_seen_unix_nano"`
	LastSeenNanos  int64   `json:"last_seen_unix_nano"`
}

// ListServices aggregates RED metrics per service over the window. Requests
// are server and consumer spans; a service that exported none falls back to
// counting all of its spans so client-only services still show activity.
func (s *Store) ListServices(ctx context.Context, w Window) ([]ServiceEntry, error) {
	if err := s.gateRead(); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	start, end := s.clampWindow(w.StartNanos, w.EndNanos)

	release, err := s.acquire(ctx, categoryQuery)
	if err != nil {
		return nil, err
	}
	defer release()

	q := `
SELECT s.service_name,
       coalesce(svc.namespace, ''),
       coalesce(svc.first_seen, 0),
       coalesce(svc.last_seen, 0),
       COUNT(*) AS total,
       COUNT(*) FILTER (WHERE s.kind IN ($3, $4)) AS requests,
       COUNT(*) FILTER (WHERE s.kind IN ($3, $4) AND s.status_code = $5) AS request_errors,
       COUNT(*) FILTER (WHERE s.status_code = $5) AS total_errors,
       percentile_cont(ARRAY[0.5, 0.95, 0.99]) WITHIN GROUP (ORDER BY s.end_unix_nanos - s.start_unix_nanos)
           FILTER (WHERE s.kind IN ($3, $4)) AS request_pcts,
       percentile_cont(ARRAY[0.5, 0.95, 0.99]) WITHIN GROUP (ORDER BY s.end_unix_nanos - s.start_unix_nanos) AS total_pcts
FROM spans s
LEFT JOIN services svc ON svc.name = s.service_name
WHERE s.start_unix_nanos >= $1 AND s.start_unix_nanos < $2
GROUP BY s.service_name, svc.namespace, svc.first_seen, svc.last_seen
ORDER BY s.service_name`

	rows, err := s.pool.Query(ctx, q, start, end,
		int16(model.SpanKindServer), int16(model.SpanKindConsumer), int16(model.StatusError))
	if err != nil {
		return nil, mapPgError("list services", err)
	}
	defer rows.Close()

	windowSeconds := float64(end-start) / 1e9
	var out []ServiceEntry
	for rows.Next() {
		var (
			e                      ServiceEntry
			requests, reqErrors    int64
			totalErrors            int64
			requestPcts, totalPcts []float64
		)
		if err := rows.Scan(&e.Name, &e.Namespace, &e.FirstSeenNanos, &e.LastSeenNanos,
			&e.SpanCount, &requests, &reqErrors,
			&totalErrors, &requestPcts, &totalPcts); err != nil {
			return nil, mapPgError("list services", err)
		}

		e.RequestCount = requests
		e.ErrorCount = reqErrors
		pcts := requestPcts
		if requests == 0 {
			// No request spans in the window: fall back to all spans.
			e.RequestCount = e.SpanCount
			e.ErrorCount = totalErrors
			pcts = totalPcts
		}
		if len(pcts) == 3 {
			e.P50Millis = pcts[0] / 1e6
			e.P95Millis = pcts[1] / 1e6
			e.P99Millis = pcts[2] / 1e6
		}
		if windowSeconds > 0 {
			e.RequestRate = float64(e.RequestCount) / windowSeconds
		}
		if e.RequestCount > 0 {
			e.ErrorRate = float64(e.ErrorCount) / float64(e.RequestCount)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("list services", err)
	}
	return out, nil
}

// ServiceMapNode is one service participating in the map.
type ServiceMapNode struct {
	Name         string  `json:"name"`
	RequestCount int64   `json:"request_count"`
	ErrorCount   int64   `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	P50Millis    float64 `json:"p50_ms"`
	P95Millis    float64 `json:"p95_ms"`
	P99Millis    float64 `json:"p99_ms"`
}

// ServiceMapEdge is one caller→callee dependency with its call aggregates.
type ServiceMapEdge struct {
	Caller          string  `json:"caller"`
	Callee          string  `json:"callee"`
	CallCount       int64   `json:"call_count"`
	ErrorCount      int64   `json:"error_count"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	P50LatencyMs    float64 `json:"p50_latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	P99LatencyMs    float64 `json:"p99_latency_ms"`
	ApproxLatencies bool    `json:"approx_latencies,omitempty"`
}

// ServiceMap is the dependency graph derived from spans in a window.
type ServiceMap struct {
	Nodes []ServiceMapNode `json:"nodes"`
	Edges []ServiceMapEdge `json:"edges"`
}

// serviceMapExactLimit is the per-edge sample count above which latency
// percentiles switch from exact selection to a t-digest approximation.
const serviceMapExactLimit = 5000

// maxServiceMapSpans bounds the span scan backing one map derivation.
const maxServiceMapSpans = 500000

// mapSpan is the slim span projection used for edge walking.
type mapSpan struct {
	spanID   string
	parentID string
	kind     model.SpanKind
	service  string
	duration int64
	isError  bool
}

// edgeKey identifies a caller→callee pair.
type edgeKey struct {
	caller string
	callee string
}

// edgeAgg accumulates per-edge latency samples, spilling into a t-digest
// once the exact limit is crossed.
type edgeAgg struct {
	calls    int64
	errors   int64
	sumNanos float64
	samples  []float64
	digest   *tdigest.TDigest
}

func (a *edgeAgg) observe(durationNanos int64, isError bool) {
	a.calls++
	if isError {
		a.errors++
	}
	d := float64(durationNanos)
	a.sumNanos += d
	if a.digest != nil {
		a.digest.Add(d, 1)
		return
	}
	a.samples = append(a.samples, d)
	if len(a.samples) > serviceMapExactLimit {
		a.digest = tdigest.NewWithCompression(100)
		for _, s := range a.samples {
			a.digest.Add(s, 1)
		}
		a.samples = nil
	}
}

func (a *edgeAgg) quantiles() (p50, p95, p99 float64) {
	if a.digest != nil {
		return a.digest.Quantile(0.5), a.digest.Quantile(0.95), a.digest.Quantile(0.99)
	}
	if len(a.samples) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), a.samples...)
	sort.Float64s(sorted)
	return exactQuantile(sorted, 0.5), exactQuantile(sorted, 0.95), exactQuantile(sorted, 0.99)
}

// exactQuantile interpolates linearly between closest ranks, matching the
// percentile_cont behavior used by the service catalog.
func exactQuantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	i := int(pos)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i] + frac*(sorted[i+1]-sorted[i])
}

// BuildServiceMap derives the caller→callee dependency graph from spans in
// the window. An edge is emitted when a server or consumer span has a
// nearest client or producer ancestor in a different service, counted once
// per (trace, edge). Nodes come from the service catalog over the same
// window.
func (s *Store) BuildServiceMap(ctx context.Context, w Window) (*ServiceMap, error) {
	entries, err := s.ListServices(ctx, w)
	if err != nil {
		return nil, err
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}
	start, end := s.clampWindow(w.StartNanos, w.EndNanos)

	release, err := s.acquire(ctx, categoryQuery)
	if err != nil {
		return nil, err
	}
	defer release()

	q := `
SELECT encode(trace_id, 'hex'), encode(span_id, 'hex'),
       coalesce(encode(parent_span_id, 'hex'), ''),
       kind, service_name,
       end_unix_nanos - start_unix_nanos,
       status_code
FROM spans
WHERE start_unix_nanos >= $1 AND start_unix_nanos < $2
ORDER BY trace_id
LIMIT $3`

	rows, err := s.pool.Query(ctx, q, start, end, maxServiceMapSpans)
	if err != nil {
		return nil, mapPgError("build service map", err)
	}
	defer rows.Close()

	edges := map[edgeKey]*edgeAgg{}
	var (
		curTrace string
		trace    []mapSpan
	)
	flush := func() {
		if len(trace) > 0 {
			walkTraceEdges(trace, edges)
			trace = trace[:0]
		}
	}
	for rows.Next() {
		var (
			traceID string
			sp      mapSpan
			kind    int16
			status  int16
		)
		if err := rows.Scan(&traceID, &sp.spanID, &sp.parentID, &kind, &sp.service, &sp.duration, &status); err != nil {
			return nil, mapPgError("build service map", err)
		}
		sp.kind = model.SpanKind(kind)
		sp.isError = model.StatusCode(status) == model.StatusError
		if traceID != curTrace {
			flush()
			curTrace = traceID
		}
		trace = append(trace, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("build service map", err)
	}
	flush()

	out := &ServiceMap{}
	for _, e := range entries {
		out.Nodes = append(out.Nodes, ServiceMapNode{
			Name:         e.Name,
			RequestCount: e.RequestCount,
			ErrorCount:   e.ErrorCount,
			ErrorRate:    e.ErrorRate,
			P50Millis:    e.P50Millis,
			P95Millis:    e.P95Millis,
			P99Millis:    e.P99Millis,
		})
	}
	for key, agg := range edges {
		p50, p95, p99 := agg.quantiles()
		out.Edges = append(out.Edges, ServiceMapEdge{
			Caller:          key.caller,
			Callee:          key.callee,
			CallCount:       agg.calls,
			ErrorCount:      agg.errors,
			AvgLatencyMs:    agg.sumNanos / float64(agg.calls) / 1e6,
			P50LatencyMs:    p50 / 1e6,
			P95LatencyMs:    p95 / 1e6,
			P99LatencyMs:    p99 / 1e6,
			ApproxLatencies: agg.digest != nil,
		})
	}
	sort.Slice(out.Edges, func(i, j int) bool {
		if out.Edges[i].Caller != out.Edges[j].Caller {
			return out.Edges[i].Caller < out.Edges[j].Caller
		}
		return out.Edges[i].Callee < out.Edges[j].Callee
	})
	return out, nil
}

// walkTraceEdges finds, for every server/consumer span of one trace, the
// nearest client/producer ancestor in a different service and records that
// edge. Each (trace, edge) pair contributes a single call.
func walkTraceEdges(trace []mapSpan, edges map[edgeKey]*edgeAgg) {
	byID := make(map[string]*mapSpan, len(trace))
	for i := range trace {
		byID[trace[i].spanID] = &trace[i]
	}

	seen := map[edgeKey]bool{}
	for i := range trace {
		callee := &trace[i]
		if callee.kind != model.SpanKindServer && callee.kind != model.SpanKindConsumer {
			continue
		}

		// Walk toward the root. The hop count guards against cycles in
		// malformed parent links.
		parentID := callee.parentID
		for hops := 0; parentID != "" && hops < len(trace); hops++ {
			caller, ok := byID[parentID]
			if !ok {
				break
			}
			if (caller.kind == model.SpanKindClient || caller.kind == model.SpanKindProducer) &&
				caller.service != callee.service {
				key := edgeKey{caller: caller.service, callee: callee.service}
				if !seen[key] {
					seen[key] = true
					agg := edges[key]
					if agg == nil {
						agg = &edgeAgg{}
						edges[key] = agg
					}
					agg.observe(caller.duration, caller.isError || callee.isError)
				}
				break
			}
			parentID = caller.parentID
		}
	}
}
