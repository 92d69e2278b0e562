package ingester

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/verrors"
)

type fakeWriter struct {
	mtx     sync.Mutex
	batches []*model.Batch
	fail    int // fail this many calls with a retryable error
	hard    error
}

func (w *fakeWriter) WriteBatch(_ context.Context, batch *model.Batch) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.hard != nil {
		return w.hard
	}
	if w.fail > 0 {
		w.fail--
		return verrors.E(verrors.KindUnavailable, "database unreachable")
	}
	copied := &model.Batch{
		Spans:  append([]model.Span(nil), batch.Spans...),
		Logs:   append([]model.LogRecord(nil), batch.Logs...),
		Points: append([]model.MetricPoint(nil), batch.Points...),
	}
	w.batches = append(w.batches, copied)
	return nil
}

func (w *fakeWriter) written() []*model.Batch {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return append([]*model.Batch(nil), w.batches...)
}

func testConfig() Config {
	cfg := Config{}
	cfg.QueueCapacity = 1000
	cfg.AdmissionTimeout = 5 * time.Second
	cfg.MaxBatchItems = 100
	cfg.MaxBatchBytes = 1 << 20
	cfg.MaxBatchDelay = 10 * time.Millisecond
	cfg.BatchRetries = 3
	cfg.RetryMinBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 5 * time.Millisecond
	cfg.MaxAttributeBytes = 4096
	return cfg
}

func startIngester(t *testing.T, cfg Config, w Writer) *Ingester {
	t.Helper()
	i, err := New(cfg, w, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), i))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), i))
	})
	return i
}

func testSpan(name string) model.Span {
	return model.Span{
		TraceID:        model.TraceID{1},
		SpanID:         model.SpanID{byte(len(name))},
		Name:           name,
		Kind:           model.SpanKindServer,
		StartUnixNanos: 100,
		EndUnixNanos:   200,
	}
}

func TestPushWaitsForCommit(t *testing.T) {
	w := &fakeWriter{}
	i := startIngester(t, testConfig(), w)

	err := i.PushTraces(context.Background(), []model.Span{testSpan("a"), testSpan("b")})
	require.NoError(t, err)

	batches := w.written()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Spans, 2)
}

func TestPushRetriesTransientFailures(t *testing.T) {
	w := &fakeWriter{fail: 2}
	i := startIngester(t, testConfig(), w)

	err := i.PushLogs(context.Background(), []model.LogRecord{{TimeUnixNanos: 1}})
	require.NoError(t, err)
	require.Len(t, w.written(), 1)
}

func TestPushSurfacesExhaustedRetries(t *testing.T) {
	w := &fakeWriter{fail: 100}
	i := startIngester(t, testConfig(), w)

	err := i.PushMetrics(context.Background(), []model.MetricPoint{{TimeUnixNanos: 1}})
	require.Error(t, err)
	require.Equal(t, verrors.KindUnavailable, verrors.KindOf(err))
}

func TestPushDoesNotRetryFatal(t *testing.T) {
	w := &fakeWriter{hard: verrors.E(verrors.KindFatal, "constraint violated")}
	i := startIngester(t, testConfig(), w)

	err := i.PushTraces(context.Background(), []model.Span{testSpan("a")})
	require.Error(t, err)
	require.Equal(t, verrors.KindFatal, verrors.KindOf(err))
}

func TestPushEmptyBatchIsNoop(t *testing.T) {
	w := &fakeWriter{}
	i := startIngester(t, testConfig(), w)

	require.NoError(t, i.PushTraces(context.Background(), nil))
	require.Empty(t, w.written())
}

func TestAdmissionQueueShedsOldest(t *testing.T) {
	var shed int
	q := newAdmissionQueue(10, 3, func(items int) { shed += items })

	first := newPendingWrite(&model.Batch{Spans: []model.Span{testSpan("a"), testSpan("b")}})
	second := newPendingWrite(&model.Batch{Spans: []model.Span{testSpan("c"), testSpan("d")}})
	require.NoError(t, q.push(first))
	require.NoError(t, q.push(second))

	// High-water mark 3 with 4 queued items: the oldest entry is shed.
	require.Equal(t, 2, shed)
	select {
	case err := <-first.done:
		require.Equal(t, verrors.KindUnavailable, verrors.KindOf(err))
	default:
		t.Fatal("shed entry was not completed")
	}

	p, ok := q.pop(context.Background())
	require.True(t, ok)
	require.Same(t, second, p)
}

func TestAdmissionQueueNeverShedsSoleEntry(t *testing.T) {
	var shed int
	q := newAdmissionQueue(10, 1, func(items int) { shed += items })

	big := newPendingWrite(&model.Batch{Spans: []model.Span{testSpan("a"), testSpan("b"), testSpan("c")}})
	require.NoError(t, q.push(big))
	require.Zero(t, shed)
	require.Equal(t, 3, q.depth())
}

func TestAdmissionQueueRejectsOversizedBatch(t *testing.T) {
	q := newAdmissionQueue(2, 2, func(int) {})

	big := newPendingWrite(&model.Batch{Spans: []model.Span{testSpan("a"), testSpan("b"), testSpan("c")}})
	err := q.push(big)
	require.Equal(t, verrors.KindUnavailable, verrors.KindOf(err))
	require.Zero(t, q.depth())
}

func TestAdmissionQueueCloseFailsWaiters(t *testing.T) {
	q := newAdmissionQueue(10, 0, func(int) {})
	p := newPendingWrite(&model.Batch{Spans: []model.Span{testSpan("a")}})
	require.NoError(t, q.push(p))

	q.close()
	select {
	case err := <-p.done:
		require.Equal(t, verrors.KindUnavailable, verrors.KindOf(err))
	default:
		t.Fatal("queued entry was not failed on close")
	}
	require.Error(t, q.push(newPendingWrite(&model.Batch{Spans: []model.Span{testSpan("b")}})))
}

func TestEstimateBatchBytesGrowsWithContent(t *testing.T) {
	small := estimateBatchBytes(&model.Batch{Spans: []model.Span{testSpan("a")}})
	large := estimateBatchBytes(&model.Batch{Spans: []model.Span{{
		Name:       "a-much-longer-span-name",
		Attributes: model.Attributes{"key": model.StringValue("a long attribute value here")},
	}}})
	require.Greater(t, large, small)
}
