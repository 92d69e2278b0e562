// Package receiver terminates the OTLP surface: gRPC export services plus
// the /v1/{traces,logs,metrics} HTTP endpoints in both protobuf and JSON
// encodings. Decoded payloads are normalized and pushed to the ingester,
// which acknowledges only after the storage batch commits.
package receiver

import (
	"context"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/vantagehq/vantage/modules/ingester"
	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/otlp"
	"github.com/vantagehq/vantage/pkg/verrors"
)

const (
	PathTraces  = "/v1/traces"
	PathLogs    = "/v1/logs"
	PathMetrics = "/v1/metrics"
)

// Pusher is the ingester surface the receiver needs.
type Pusher interface {
	PushTraces(ctx context.Context, spans []model.Span) error
	PushLogs(ctx context.Context, logs []model.LogRecord) error
	PushMetrics(ctx context.Context, points []model.MetricPoint) error
}

// Receiver decodes OTLP envelopes and feeds the ingest pipeline.
type Receiver struct {
	pusher Pusher
	norm   otlp.Normalizer
	logger log.Logger
}

func New(cfg ingester.Config, pusher Pusher, logger log.Logger) *Receiver {
	return &Receiver{
		pusher: pusher,
		norm:   otlp.Normalizer{MaxAttributeBytes: cfg.MaxAttributeBytes},
		logger: logger,
	}
}

// RegisterGRPC attaches the three OTLP export services.
func (r *Receiver) RegisterGRPC(s *grpc.Server) {
	ptraceotlp.RegisterGRPCServer(s, &traceService{r: r})
	plogotlp.RegisterGRPCServer(s, &logService{r: r})
	pmetricotlp.RegisterGRPCServer(s, &metricService{r: r})
}

// RegisterHTTP attaches the OTLP/HTTP endpoints.
func (r *Receiver) RegisterHTTP(router *mux.Router) {
	router.HandleFunc(PathTraces, r.handleTracesHTTP).Methods("POST")
	router.HandleFunc(PathLogs, r.handleLogsHTTP).Methods("POST")
	router.HandleFunc(PathMetrics, r.handleMetricsHTTP).Methods("POST")
}

// exportTraces runs the trace pipeline for one decoded envelope and reports
// how many spans were not stored.
func (r *Receiver) exportTraces(ctx context.Context, req ptraceotlp.ExportRequest) (rejected int64, err error) {
	res := r.norm.Traces(req.Traces())
	if err := r.pusher.PushTraces(ctx, res.Spans); err != nil {
		return 0, err
	}
	return int64(res.Rejected), nil
}

func (r *Receiver) exportLogs(ctx context.Context, req plogotlp.ExportRequest) (rejected int64, err error) {
	res := r.norm.Logs(req.Logs())
	if err := r.pusher.PushLogs(ctx, res.Logs); err != nil {
		return 0, err
	}
	return 0, nil
}

func (r *Receiver) exportMetrics(ctx context.Context, req pmetricotlp.ExportRequest) (rejected int64, err error) {
	res := r.norm.Metrics(req.Metrics())
	if err := r.pusher.PushMetrics(ctx, res.Points); err != nil {
		return 0, err
	}
	return int64(res.Rejected), nil
}

type traceService struct {
	ptraceotlp.UnimplementedGRPCServer
	r *Receiver
}

func (s *traceService) Export(ctx context.Context, req ptraceotlp.ExportRequest) (ptraceotlp.ExportResponse, error) {
	resp := ptraceotlp.NewExportResponse()
	rejected, err := s.r.exportTraces(ctx, req)
	if err != nil {
		return resp, grpcError(err)
	}
	if rejected > 0 {
		resp.PartialSuccess().SetRejectedSpans(rejected)
		resp.PartialSuccess().SetErrorMessage("spans dropped during normalization")
	}
	return resp, nil
}

type logService struct {
	plogotlp.UnimplementedGRPCServer
	r *Receiver
}

func (s *logService) Export(ctx context.Context, req plogotlp.ExportRequest) (plogotlp.ExportResponse, error) {
	resp := plogotlp.NewExportResponse()
	rejected, err := s.r.exportLogs(ctx, req)
	if err != nil {
		return resp, grpcError(err)
	}
	if rejected > 0 {
		resp.PartialSuccess().SetRejectedLogRecords(rejected)
		resp.PartialSuccess().SetErrorMessage("log records dropped during normalization")
	}
	return resp, nil
}

type metricService struct {
	pmetricotlp.UnimplementedGRPCServer
	r *Receiver
}

func (s *metricService) Export(ctx context.Context, req pmetricotlp.ExportRequest) (pmetricotlp.ExportResponse, error) {
	resp := pmetricotlp.NewExportResponse()
	rejected, err := s.r.exportMetrics(ctx, req)
	if err != nil {
		return resp, grpcError(err)
	}
	if rejected > 0 {
		resp.PartialSuccess().SetRejectedDataPoints(rejected)
		resp.PartialSuccess().SetErrorMessage("data points dropped during normalization")
	}
	return resp, nil
}

func grpcError(err error) error {
	return status.Error(verrors.GRPCCode(err), err.Error())
}
