package querier

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/pkg/api"
	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/store"
	"github.com/vantagehq/vantage/pkg/verrors"
)

type fakeReader struct {
	traces   store.SearchResult[store.TraceSummary]
	spans    store.SearchResult[store.SpanResult]
	logs     store.SearchResult[store.LogResult]
	metrics  store.SearchResult[store.MetricSeriesResult]
	detail   *store.TraceDetail
	services []store.ServiceEntry
	svcMap   *store.ServiceMap
	err      error

	gotWindow     store.Window
	gotFilters    []store.Filter
	gotPage       store.Page
	gotTraceID    model.TraceID
	gotMetricName string
}

func (f *fakeReader) SearchTraces(_ context.Context, w store.Window, filters []store.Filter, _ int64, page store.Page) (store.SearchResult[store.TraceSummary], error) {
	f.gotWindow, f.gotFilters, f.gotPage = w, filters, page
	return f.traces, f.err
}

func (f *fakeReader) SearchSpans(_ context.Context, w store.Window, filters []store.Filter, page store.Page) (store.SearchResult[store.SpanResult], error) {
	f.gotWindow, f.gotFilters, f.gotPage = w, filters, page
	return f.spans, f.err
}

func (f *fakeReader) SearchLogs(_ context.Context, w store.Window, filters []store.Filter, page store.Page) (store.SearchResult[store.LogResult], error) {
	f.gotWindow, f.gotFilters, f.gotPage = w, filters, page
	return f.logs, f.err
}

func (f *fakeReader) SearchMetrics(_ context.Context, w store.Window, metricName string, filters []store.Filter, page store.Page) (store.SearchResult[store.MetricSeriesResult], error) {
	f.gotWindow, f.gotFilters, f.gotPage, f.gotMetricName = w, filters, page, metricName
	return f.metrics, f.err
}

func (f *fakeReader) GetTraceDetail(_ context.Context, traceID model.TraceID, w store.Window) (*store.TraceDetail, error) {
	f.gotTraceID, f.gotWindow = traceID, w
	if f.detail == nil && f.err == nil {
		return nil, verrors.E(verrors.KindNotFound, "trace not found")
	}
	return f.detail, f.err
}

func (f *fakeReader) ListServices(_ context.Context, w store.Window) ([]store.ServiceEntry, error) {
	f.gotWindow = w
	return f.services, f.err
}

func (f *fakeReader) BuildServiceMap(_ context.Context, w store.Window) (*store.ServiceMap, error) {
	f.gotWindow = w
	return f.svcMap, f.err
}

func newTestRouter(f *fakeReader) *mux.Router {
	router := mux.NewRouter()
	New(Config{Deadline: 10 * time.Second}, f, log.NewNopLogger()).RegisterHTTP(router)
	return router
}

func TestTraceSearch(t *testing.T) {
	f := &fakeReader{traces: store.SearchResult[store.TraceSummary]{
		Items:   []store.TraceSummary{{TraceID: "0102", RootServiceName: "web"}},
		HasMore: true,
	}}
	router := newTestRouter(f)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET",
		"/api/traces/search?start_time=100&end_time=200&service_name=web&min_duration_ns=5&limit=10", nil))

	require.Equal(t, 200, rec.Code)
	require.EqualValues(t, 100, f.gotWindow.StartNanos)
	require.Equal(t, []store.Filter{{Field: "service_name", Op: store.OpEq, Value: "web"}}, f.gotFilters)

	var env api.ListEnvelope
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, 1, env.Count)
	require.Equal(t, 10, env.Limit)
	require.True(t, env.HasMore)
}

func TestTraceByID(t *testing.T) {
	f := &fakeReader{detail: &store.TraceDetail{TraceID: "000000000000000000000000000000ab", RootSpanName: "GET /"}}
	router := newTestRouter(f)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/traces/ab?start_time=1&end_time=2", nil))

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "000000000000000000000000000000ab", f.gotTraceID.String())
	require.Contains(t, rec.Body.String(), `"root_span_name":"GET /"`)
}

func TestTraceByIDNotFound(t *testing.T) {
	router := newTestRouter(&fakeReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/traces/ab", nil))

	require.Equal(t, 404, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"not_found"`)
}

func TestSpanSearchPostWithCursor(t *testing.T) {
	f := &fakeReader{spans: store.SearchResult[store.SpanResult]{
		Items:   []store.SpanResult{{SpanID: "00f067aa0ba902b7", StartUnixNanos: 150}},
		HasMore: true,
	}}
	router := newTestRouter(f)

	body := `{"time_range":{"start_time":100,"end_time":200},"filters":[{"field":"name","op":"eq","value":"GET /"}],"limit":1}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/spans/search", strings.NewReader(body)))

	require.Equal(t, 200, rec.Code)
	require.Equal(t, []store.Filter{{Field: "name", Op: store.OpEq, Value: "GET /"}}, f.gotFilters)

	var env api.ListEnvelope
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), &env))
	require.NotEmpty(t, env.Cursor)

	c, err := api.DecodeCursor(env.Cursor)
	require.NoError(t, err)
	require.EqualValues(t, 150, c.Sort)
	require.Equal(t, "00f067aa0ba902b7", c.ID)
}

func TestSpanSearchRejectsEmptyBody(t *testing.T) {
	router := newTestRouter(&fakeReader{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/spans/search", strings.NewReader("")))
	require.Equal(t, 400, rec.Code)
}

func TestLogSearchFilters(t *testing.T) {
	f := &fakeReader{}
	router := newTestRouter(f)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET",
		"/api/logs/search?start_time=1&end_time=2&service_name=api&severity_min=9&trace_id=ab", nil))

	require.Equal(t, 200, rec.Code)
	require.Len(t, f.gotFilters, 3)
	require.Contains(t, f.gotFilters, store.Filter{Field: "severity_number", Op: store.OpGte, Value: "9"})
	require.Contains(t, f.gotFilters, store.Filter{Field: "trace_id", Op: store.OpEq, Value: "000000000000000000000000000000ab"})
}

func TestMetricSearchName(t *testing.T) {
	f := &fakeReader{}
	router := newTestRouter(f)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/metrics/search?start_time=1&end_time=2", nil))
	require.Equal(t, 200, rec.Code)
	require.Empty(t, f.gotMetricName)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/metrics/search?start_time=1&end_time=2&metric_name=http.server.duration", nil))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "http.server.duration", f.gotMetricName)
}

func TestServiceMapPost(t *testing.T) {
	f := &fakeReader{svcMap: &store.ServiceMap{
		Nodes: []store.ServiceMapNode{{Name: "web"}},
		Edges: []store.ServiceMapEdge{{Caller: "web", Callee: "api", CallCount: 1}},
	}}
	router := newTestRouter(f)

	body := `{"time_range":{"start_time":1,"end_time":2}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/service-map", strings.NewReader(body)))

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `"caller":"web"`)
}

func TestUnavailableMapsTo503(t *testing.T) {
	f := &fakeReader{err: verrors.E(verrors.KindUnavailable, "schema not ready")}
	router := newTestRouter(f)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/services?start_time=1&end_time=2", nil))
	require.Equal(t, 503, rec.Code)
}
