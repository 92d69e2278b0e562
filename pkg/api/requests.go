package api

import (
	"net/http"
	"time"

	"github.com/vantagehq/vantage/pkg/store"
	"github.com/vantagehq/vantage/pkg/verrors"
)

// TimeRange is the JSON body form of a window. Bounds are nanoseconds since
// epoch unless the legacy header switches the surface to RFC3339 strings.
type TimeRange struct {
	StartTime jsonTime        `json:"start_time"`
	EndTime   jsonTime        `json:"end_time"`
	TimeField store.TimeField `json:"time_field,omitempty"`
}

// Window converts the body form, applying the default lookback for missing
// bounds.
func (tr TimeRange) Window() (store.Window, error) {
	now := time.Now()
	w := store.Window{
		StartNanos: now.Add(-defaultLookback).UnixNano(),
		EndNanos:   now.UnixNano(),
		Field:      store.TimeFieldEvent,
	}
	if !tr.StartTime.IsZero() {
		w.StartNanos = tr.StartTime.Nanos
	}
	if !tr.EndTime.IsZero() {
		w.EndNanos = tr.EndTime.Nanos
	}
	switch tr.TimeField {
	case "", store.TimeFieldEvent:
	case store.TimeFieldDB, store.TimeFieldObserved:
		w.Field = tr.TimeField
	default:
		return w, verrors.E(verrors.KindInvalid, "unknown time_field %q", tr.TimeField)
	}
	return w, w.Validate()
}

// SpanSearchRequest is the POST body of the span search endpoint.
type SpanSearchRequest struct {
	TimeRange TimeRange      `json:"time_range"`
	Filters   []store.Filter `json:"filters,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
	Cursor    string         `json:"cursor,omitempty"`
}

// Page builds the store page, decoding the cursor when present.
func (r SpanSearchRequest) Page() (store.Page, error) {
	if r.Limit < 0 || r.Offset < 0 {
		return store.Page{}, verrors.E(verrors.KindInvalid, "limit and offset must not be negative")
	}
	if r.Limit > store.MaxPageLimit {
		return store.Page{}, verrors.E(verrors.KindInvalid, "limit must be at most %d", store.MaxPageLimit)
	}
	p := store.Page{Limit: r.Limit, Offset: r.Offset}
	if r.Cursor != "" {
		c, err := DecodeCursor(r.Cursor)
		if err != nil {
			return p, err
		}
		p.AfterSort = c.Sort
		p.AfterID = c.ID
	}
	return p, nil
}

// ServiceMapRequest is the POST body of the service map endpoint.
type ServiceMapRequest struct {
	TimeRange TimeRange `json:"time_range"`
}

// TraceSearchParams are the recognized query parameters of the trace search
// endpoint, lowered into store filters.
func TraceSearchParams(r *http.Request) (filters []store.Filter, minDurationNanos int64, err error) {
	if s := r.URL.Query().Get(urlParamServiceName); s != "" {
		filters = append(filters, store.Filter{Field: "service_name", Op: store.OpEq, Value: s})
	}
	minDurationNanos, err = ParseIntParam(r, urlParamMinDurationNs, 0)
	if err != nil {
		return nil, 0, err
	}
	if minDurationNanos < 0 {
		return nil, 0, verrors.E(verrors.KindInvalid, "%s must not be negative", urlParamMinDurationNs)
	}
	return filters, minDurationNanos, nil
}

// LogSearchParams lowers the log search query parameters into store filters.
func LogSearchParams(r *http.Request) ([]store.Filter, error) {
	var filters []store.Filter
	q := r.URL.Query()

	if s := q.Get(urlParamServiceName); s != "" {
		filters = append(filters, store.Filter{Field: "service_name", Op: store.OpEq, Value: s})
	}
	if s := q.Get(urlParamTraceID); s != "" {
		id, err := ParseHexTraceID(s)
		if err != nil {
			return nil, err
		}
		filters = append(filters, store.Filter{Field: "trace_id", Op: store.OpEq, Value: id})
	}
	if s := q.Get(urlParamSeverityMin); s != "" {
		filters = append(filters, store.Filter{Field: "severity_number", Op: store.OpGte, Value: s})
	}
	return filters, nil
}

// MetricSearchParams reads the optional metric name and service filter. An
// empty metric name searches every descriptor in the window.
func MetricSearchParams(r *http.Request) (metricName string, filters []store.Filter, err error) {
	q := r.URL.Query()
	metricName = q.Get(urlParamMetricName)
	if s := q.Get(urlParamServiceName); s != "" {
		filters = append(filters, store.Filter{Field: "service_name", Op: store.OpEq, Value: s})
	}
	return metricName, filters, nil
}
