// Package api defines the HTTP query surface: URL constants, request
// parsing, response envelopes, and the error body shared by every handler.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/store"
	"github.com/vantagehq/vantage/pkg/verrors"
)

const (
	URLParamTraceID = "traceID"

	urlParamStartTime     = "start_time"
	urlParamEndTime       = "end_time"
	urlParamTimeField     = "time_field"
	urlParamServiceName   = "service_name"
	urlParamMinDurationNs = "min_duration_ns"
	urlParamSeverityMin   = "severity_min"
	urlParamTraceID       = "trace_id"
	urlParamMetricName    = "metric_name"
	urlParamLimit         = "limit"
	urlParamOffset        = "offset"
	urlParamCursor        = "cursor"

	HeaderContentType     = "Content-Type"
	HeaderAcceptProtobuf  = "application/x-protobuf"
	HeaderAcceptJSON      = "application/json"
	HeaderLegacyTimeForm  = "X-Vantage-Time-Format"
	legacyTimeFormRFC3339 = "rfc3339"

	PathTraceSearch  = "/api/traces/search"
	PathTraceByID    = "/api/traces/{" + URLParamTraceID + "}"
	PathSpanSearch   = "/api/spans/search"
	PathLogSearch    = "/api/logs/search"
	PathMetricSearch = "/api/metrics/search"
	PathServices     = "/api/services"
	PathServiceMap   = "/api/service-map"

	PathOpAMPStatus = "/api/opamp/status"
	PathOpAMPConfig = "/api/opamp/config"
	PathOpAMPHealth = "/api/opamp/health"

	defaultLookback = time.Hour
)

// ParseTraceID pulls the trace id path variable and decodes it, padding
// short hex on the left.
func ParseTraceID(r *http.Request) (model.TraceID, error) {
	v, ok := mux.Vars(r)[URLParamTraceID]
	if !ok || v == "" {
		return model.TraceID{}, verrors.E(verrors.KindInvalid, "please provide a trace id")
	}
	id, err := model.TraceIDFromHex(v)
	if err != nil {
		return model.TraceID{}, verrors.E(verrors.KindInvalid, "invalid trace id %q", v, err)
	}
	return id, nil
}

// ParseWindow reads start_time/end_time (nanoseconds since epoch) plus the
// optional time_field selector. Missing bounds default to the last hour.
func ParseWindow(r *http.Request) (store.Window, error) {
	now := time.Now()
	w := store.Window{
		StartNanos: now.Add(-defaultLookback).UnixNano(),
		EndNanos:   now.UnixNano(),
		Field:      store.TimeFieldEvent,
	}

	if s := r.URL.Query().Get(urlParamStartTime); s != "" {
		n, err := parseTimeParam(r, s)
		if err != nil {
			return w, verrors.E(verrors.KindInvalid, "invalid %s: %q", urlParamStartTime, s, err)
		}
		w.StartNanos = n
	}
	if s := r.URL.Query().Get(urlParamEndTime); s != "" {
		n, err := parseTimeParam(r, s)
		if err != nil {
			return w, verrors.E(verrors.KindInvalid, "invalid %s: %q", urlParamEndTime, s, err)
		}
		w.EndNanos = n
	}
	switch f := r.URL.Query().Get(urlParamTimeField); f {
	case "", string(store.TimeFieldEvent):
	case string(store.TimeFieldDB):
		w.Field = store.TimeFieldDB
	case string(store.TimeFieldObserved):
		w.Field = store.TimeFieldObserved
	default:
		return w, verrors.E(verrors.KindInvalid, "unknown %s %q", urlParamTimeField, f)
	}
	return w, w.Validate()
}

// parseTimeParam accepts nanoseconds since epoch, or RFC3339 when the
// legacy time format header is set.
func parseTimeParam(r *http.Request, s string) (int64, error) {
	if UseLegacyTimes(r) {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, err
		}
		return t.UnixNano(), nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// UseLegacyTimes reports whether the caller asked for the RFC3339 surface.
func UseLegacyTimes(r *http.Request) bool {
	return r.Header.Get(HeaderLegacyTimeForm) == legacyTimeFormRFC3339
}

// ParsePage reads limit/offset and the optional cursor token.
func ParsePage(r *http.Request) (store.Page, error) {
	p := store.Page{}
	q := r.URL.Query()

	if s := q.Get(urlParamLimit); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, verrors.E(verrors.KindInvalid, "invalid %s: %q", urlParamLimit, s)
		}
		if n > store.MaxPageLimit {
			return p, verrors.E(verrors.KindInvalid, "%s must be at most %d", urlParamLimit, store.MaxPageLimit)
		}
		p.Limit = n
	}
	if s := q.Get(urlParamOffset); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, verrors.E(verrors.KindInvalid, "invalid %s: %q", urlParamOffset, s)
		}
		p.Offset = n
	}
	if s := q.Get(urlParamCursor); s != "" {
		c, err := DecodeCursor(s)
		if err != nil {
			return p, err
		}
		p.AfterSort = c.Sort
		p.AfterID = c.ID
	}
	return p, nil
}

// ParseIntParam reads an optional int64 query parameter, returning def when
// absent.
func ParseIntParam(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, verrors.E(verrors.KindInvalid, "invalid %s: %q", name, s)
	}
	return n, nil
}
