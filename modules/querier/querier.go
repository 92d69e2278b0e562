// Package querier serves the read API: trace/span/log/metric search, trace
// detail, the service catalog and the service map. Every request runs under
// the configured deadline; cancellation propagates into the database driver
// through the request context.
package querier

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vantagehq/vantage/pkg/api"
	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/store"
	"github.com/vantagehq/vantage/pkg/util"
	"github.com/vantagehq/vantage/pkg/verrors"
)

var metricQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "vantage",
	Name:      "query_duration_seconds",
	Help:      "Wall time of read API requests.",
	Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
}, []string{"endpoint"})

// Config holds the read path knobs.
type Config struct {
	// Deadline is the per-query server timeout.
	Deadline time.Duration `yaml:"deadline"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&c.Deadline, util.PrefixConfig(prefix, "deadline"), 10*time.Second, "Per-query server timeout.")
}

// Reader is the store surface the querier needs.
type Reader interface {
	SearchTraces(ctx context.Context, w store.Window, filters []store.Filter, minDurationNanos int64, page store.Page) (store.SearchResult[store.TraceSummary], error)
	SearchSpans(ctx context.Context, w store.Window, filters []store.Filter, page store.Page) (store.SearchResult[store.SpanResult], error)
	SearchLogs(ctx context.Context, w store.Window, filters []store.Filter, page store.Page) (store.SearchResult[store.LogResult], error)
	SearchMetrics(ctx context.Context, w store.Window, metricName string, filters []store.Filter, page store.Page) (store.SearchResult[store.MetricSeriesResult], error)
	GetTraceDetail(ctx context.Context, traceID model.TraceID, w store.Window) (*store.TraceDetail, error)
	ListServices(ctx context.Context, w store.Window) ([]store.ServiceEntry, error)
	BuildServiceMap(ctx context.Context, w store.Window) (*store.ServiceMap, error)
}

// Querier handles the read API.
type Querier struct {
	cfg    Config
	reader Reader
	logger log.Logger
}

func New(cfg Config, reader Reader, logger log.Logger) *Querier {
	return &Querier{cfg: cfg, reader: reader, logger: logger}
}

// RegisterHTTP attaches the read API routes.
func (q *Querier) RegisterHTTP(router *mux.Router) {
	router.HandleFunc(api.PathTraceSearch, q.wrap("trace_search", q.handleTraceSearch)).Methods("GET")
	router.HandleFunc(api.PathTraceByID, q.wrap("trace_by_id", q.handleTraceByID)).Methods("GET")
	router.HandleFunc(api.PathSpanSearch, q.wrap("span_search", q.handleSpanSearch)).Methods("POST")
	router.HandleFunc(api.PathLogSearch, q.wrap("log_search", q.handleLogSearch)).Methods("GET")
	router.HandleFunc(api.PathMetricSearch, q.wrap("metric_search", q.handleMetricSearch)).Methods("GET")
	router.HandleFunc(api.PathServices, q.wrap("services", q.handleServices)).Methods("GET")
	router.HandleFunc(api.PathServiceMap, q.wrap("service_map", q.handleServiceMap)).Methods("POST")
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// wrap applies the query deadline, error rendering and duration metric.
func (q *Querier) wrap(endpoint string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), q.cfg.Deadline)
		defer cancel()

		start := time.Now()
		err := h(w, r.WithContext(ctx))
		metricQueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		if err != nil {
			if kind := verrors.KindOf(err); kind == verrors.KindFatal || kind == verrors.KindUnknown {
				level.Error(q.logger).Log("msg", "query failed", "endpoint", endpoint, "err", err)
			}
			api.WriteError(w, err)
		}
	}
}

func (q *Querier) handleTraceSearch(w http.ResponseWriter, r *http.Request) error {
	window, err := api.ParseWindow(r)
	if err != nil {
		return err
	}
	filters, minDuration, err := api.TraceSearchParams(r)
	if err != nil {
		return err
	}
	page, err := api.ParsePage(r)
	if err != nil {
		return err
	}

	res, err := q.reader.SearchTraces(r.Context(), window, filters, minDuration, page)
	if err != nil {
		return err
	}
	api.WriteList(w, res.Items, len(res.Items), pageLimit(page), page.Offset, res.HasMore, "")
	return nil
}

func (q *Querier) handleTraceByID(w http.ResponseWriter, r *http.Request) error {
	traceID, err := api.ParseTraceID(r)
	if err != nil {
		return err
	}
	window, err := api.ParseWindow(r)
	if err != nil {
		return err
	}

	detail, err := q.reader.GetTraceDetail(r.Context(), traceID, window)
	if err != nil {
		return err
	}
	api.WriteJSON(w, http.StatusOK, detail)
	return nil
}

func (q *Querier) handleSpanSearch(w http.ResponseWriter, r *http.Request) error {
	var req api.SpanSearchRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return err
	}
	window, err := req.TimeRange.Window()
	if err != nil {
		return err
	}
	page, err := req.Page()
	if err != nil {
		return err
	}

	res, err := q.reader.SearchSpans(r.Context(), window, req.Filters, page)
	if err != nil {
		return err
	}

	cursor := ""
	if res.HasMore && len(res.Items) > 0 {
		last := res.Items[len(res.Items)-1]
		cursor = api.EncodeCursor(api.Cursor{Sort: last.StartUnixNanos, ID: last.SpanID})
	}
	api.WriteList(w, res.Items, len(res.Items), pageLimit(page), page.Offset, res.HasMore, cursor)
	return nil
}

func (q *Querier) handleLogSearch(w http.ResponseWriter, r *http.Request) error {
	window, err := api.ParseWindow(r)
	if err != nil {
		return err
	}
	filters, err := api.LogSearchParams(r)
	if err != nil {
		return err
	}
	page, err := api.ParsePage(r)
	if err != nil {
		return err
	}

	res, err := q.reader.SearchLogs(r.Context(), window, filters, page)
	if err != nil {
		return err
	}
	api.WriteList(w, res.Items, len(res.Items), pageLimit(page), page.Offset, res.HasMore, "")
	return nil
}

func (q *Querier) handleMetricSearch(w http.ResponseWriter, r *http.Request) error {
	window, err := api.ParseWindow(r)
	if err != nil {
		return err
	}
	metricName, filters, err := api.MetricSearchParams(r)
	if err != nil {
		return err
	}
	page, err := api.ParsePage(r)
	if err != nil {
		return err
	}

	res, err := q.reader.SearchMetrics(r.Context(), window, metricName, filters, page)
	if err != nil {
		return err
	}
	api.WriteList(w, res.Items, len(res.Items), pageLimit(page), page.Offset, res.HasMore, "")
	return nil
}

func (q *Querier) handleServices(w http.ResponseWriter, r *http.Request) error {
	window, err := api.ParseWindow(r)
	if err != nil {
		return err
	}
	services, err := q.reader.ListServices(r.Context(), window)
	if err != nil {
		return err
	}
	api.WriteList(w, services, len(services), len(services), 0, false, "")
	return nil
}

func (q *Querier) handleServiceMap(w http.ResponseWriter, r *http.Request) error {
	var req api.ServiceMapRequest
	if err := decodeJSONBody(r, &req); err != nil {
		return err
	}
	window, err := req.TimeRange.Window()
	if err != nil {
		return err
	}

	m, err := q.reader.BuildServiceMap(r.Context(), window)
	if err != nil {
		return err
	}
	api.WriteJSON(w, http.StatusOK, m)
	return nil
}

func pageLimit(p store.Page) int {
	if p.Limit <= 0 {
		return 20
	}
	return p.Limit
}
