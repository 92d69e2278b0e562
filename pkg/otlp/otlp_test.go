package otlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/vantagehq/vantage/pkg/model"
)

var (
	testTraceID = pcommon.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	testSpanID  = pcommon.SpanID{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x08}
)

func testTraces(t *testing.T) ptrace.Traces {
	t.Helper()
	td := ptrace.NewTraces()
	rs := td.ResourceSpans().AppendEmpty()
	rs.Resource().Attributes().PutStr("service.name", "checkout")
	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName("otelhttp")
	ss.Scope().SetVersion("0.42.0")

	span := ss.Spans().AppendEmpty()
	span.SetTraceID(testTraceID)
	span.SetSpanID(testSpanID)
	span.SetName("POST /checkout")
	span.SetKind(ptrace.SpanKindServer)
	span.SetStartTimestamp(pcommon.Timestamp(1_700_000_000_000_000_000))
	span.SetEndTimestamp(pcommon.Timestamp(1_700_000_000_250_000_000))
	span.Status().SetCode(ptrace.StatusCodeOk)
	span.Attributes().PutStr("http.method", "POST")
	span.Attributes().PutInt("http.status_code", 200)

	return td
}

func TestTracesDecode(t *testing.T) {
	res := Normalizer{}.Traces(testTraces(t))
	require.Len(t, res.Spans, 1)
	require.Zero(t, res.Rejected)

	s := res.Spans[0]
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", s.TraceID.String())
	assert.Equal(t, "aabbccddeeff0008", s.SpanID.String())
	assert.True(t, s.ParentSpanID.IsZero())
	assert.Equal(t, model.SpanKindServer, s.Kind)
	assert.Equal(t, model.StatusOK, s.StatusCode)
	assert.Equal(t, uint64(250_000_000), s.DurationNanos())
	assert.Equal(t, "checkout", s.Resource.ServiceName())
	assert.Equal(t, "otelhttp", s.Scope.Name)
	assert.Equal(t, model.IntValue(200), s.Attributes["http.status_code"])
}

func TestTracesRejectsMissingIDs(t *testing.T) {
	td := testTraces(t)
	spans := td.ResourceSpans().At(0).ScopeSpans().At(0).Spans()

	noSpanID := spans.AppendEmpty()
	noSpanID.SetTraceID(testTraceID)
	noSpanID.SetName("no span id")

	noTraceID := spans.AppendEmpty()
	noTraceID.SetSpanID(testSpanID)
	noTraceID.SetName("no trace id")

	inverted := spans.AppendEmpty()
	inverted.SetTraceID(testTraceID)
	inverted.SetSpanID(pcommon.SpanID{1, 2, 3, 4, 5, 6, 7, 8})
	inverted.SetStartTimestamp(200)
	inverted.SetEndTimestamp(100)

	res := Normalizer{}.Traces(td)
	assert.Len(t, res.Spans, 1)
	assert.Equal(t, 3, res.Rejected)
}

func TestTracesTruncatesAttributes(t *testing.T) {
	td := testTraces(t)
	span := td.ResourceSpans().At(0).ScopeSpans().At(0).Spans().At(0)
	span.Attributes().PutStr("http.url", "https://example.com/a/very/long/path")

	res := Normalizer{MaxAttributeBytes: 10}.Traces(td)
	require.Len(t, res.Spans, 1)
	assert.Equal(t, 1, res.Truncated)
	assert.Equal(t, "https://ex", res.Spans[0].Attributes["http.url"].Str())
}

func TestLogsDecodeClampsSeverity(t *testing.T) {
	ld := plog.NewLogs()
	rl := ld.ResourceLogs().AppendEmpty()
	rl.Resource().Attributes().PutStr("service.name", "checkout")
	sl := rl.ScopeLogs().AppendEmpty()

	rec := sl.LogRecords().AppendEmpty()
	rec.SetTimestamp(pcommon.Timestamp(1_700_000_000_000_000_000))
	rec.SetSeverityNumber(plog.SeverityNumber(30))
	rec.SetSeverityText("SUPERFATAL")
	rec.Body().SetStr("it broke")
	rec.SetTraceID(testTraceID)

	res := Normalizer{}.Logs(ld)
	require.Len(t, res.Logs, 1)
	l := res.Logs[0]
	assert.Equal(t, int32(24), l.SeverityNumber)
	assert.Equal(t, model.IntValue(30), l.Attributes["log.severity_number.original"])
	assert.Equal(t, "it broke", l.Body.Str())
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", l.TraceID.String())
}

func TestLogsObservedTimestampFallback(t *testing.T) {
	ld := plog.NewLogs()
	rec := ld.ResourceLogs().AppendEmpty().ScopeLogs().AppendEmpty().LogRecords().AppendEmpty()
	rec.SetObservedTimestamp(pcommon.Timestamp(42))
	rec.Body().SetStr("late")

	res := Normalizer{}.Logs(ld)
	require.Len(t, res.Logs, 1)
	assert.Equal(t, uint64(42), res.Logs[0].TimeUnixNanos)
}

func TestMetricsDecodeVariants(t *testing.T) {
	md := pmetric.NewMetrics()
	rm := md.ResourceMetrics().AppendEmpty()
	rm.Resource().Attributes().PutStr("service.name", "checkout")
	sm := rm.ScopeMetrics().AppendEmpty()

	gauge := sm.Metrics().AppendEmpty()
	gauge.SetName("process.memory")
	gauge.SetUnit("By")
	gdp := gauge.SetEmptyGauge().DataPoints().AppendEmpty()
	gdp.SetTimestamp(pcommon.Timestamp(1000))
	gdp.SetIntValue(512)

	sum := sm.Metrics().AppendEmpty()
	sum.SetName("http.requests")
	s := sum.SetEmptySum()
	s.SetIsMonotonic(true)
	s.SetAggregationTemporality(pmetric.AggregationTemporalityCumulative)
	sdp := s.DataPoints().AppendEmpty()
	sdp.SetTimestamp(pcommon.Timestamp(2000))
	sdp.SetDoubleValue(17)

	hist := sm.Metrics().AppendEmpty()
	hist.SetName("http.duration")
	h := hist.SetEmptyHistogram()
	h.SetAggregationTemporality(pmetric.AggregationTemporalityDelta)
	hdp := h.DataPoints().AppendEmpty()
	hdp.SetTimestamp(pcommon.Timestamp(3000))
	hdp.SetCount(3)
	hdp.SetSum(1.5)
	hdp.ExplicitBounds().FromRaw([]float64{0.1, 1})
	hdp.BucketCounts().FromRaw([]uint64{1, 1, 1})

	res := Normalizer{}.Metrics(md)
	require.Len(t, res.Points, 3)

	assert.Equal(t, model.MetricKindGauge, res.Points[0].Descriptor.Kind)
	assert.Equal(t, float64(512), res.Points[0].Value)

	assert.Equal(t, model.MetricKindSum, res.Points[1].Descriptor.Kind)
	assert.True(t, res.Points[1].Descriptor.Monotonic)
	assert.Equal(t, model.TemporalityCumulative, res.Points[1].Descriptor.Temporality)

	p := res.Points[2]
	assert.Equal(t, model.MetricKindHistogram, p.Descriptor.Kind)
	require.NotNil(t, p.Histogram)
	assert.Equal(t, uint64(3), p.Histogram.Count)
	assert.Equal(t, []float64{0.1, 1}, p.Histogram.Bounds)
	assert.Equal(t, model.TemporalityDelta, p.Descriptor.Temporality)
}

func TestIngestIdempotentModel(t *testing.T) {
	// The same export decoded twice produces identical idempotency keys.
	first := Normalizer{}.Traces(testTraces(t)).Spans[0]
	second := Normalizer{}.Traces(testTraces(t)).Spans[0]
	assert.Equal(t, first.TraceID, second.TraceID)
	assert.Equal(t, first.SpanID, second.SpanID)
	assert.Equal(t, first.Resource.Fingerprint(), second.Resource.Fingerprint())
	assert.Equal(t, first.Scope.Fingerprint(), second.Scope.Fingerprint())
}
