// Package ingester batches normalized telemetry and hands it to the store.
// Each signal has a bounded admission queue; an export call succeeds only
// after the batch holding its items commits.
package ingester

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/verrors"
)

const (
	signalTraces  = "traces"
	signalLogs    = "logs"
	signalMetrics = "metrics"
)

var (
	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vantage",
		Name:      "ingest_queue_depth",
		Help:      "Items waiting in the admission queue.",
	}, []string{"signal"})
	metricShedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "ingest_shed_items_total",
		Help:      "Items dropped by the shed-oldest overflow policy.",
	}, []string{"signal"})
	metricBatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "ingest_batch_failures_total",
		Help:      "Batches dropped after exhausting retries.",
	}, []string{"signal"})
	metricAdmissionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "ingest_admission_latency_seconds",
		Help:      "Time from enqueue to commit acknowledgement.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"signal"})
)

// Writer is the slice of the store the ingester needs.
type Writer interface {
	WriteBatch(ctx context.Context, batch *model.Batch) error
}

// Ingester owns the per-signal admission queues and batch loops.
type Ingester struct {
	services.Service

	cfg    Config
	writer Writer
	logger log.Logger

	queues map[string]*admissionQueue

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopsDone  chan struct{}
}

func New(cfg Config, writer Writer, logger log.Logger) (*Ingester, error) {
	if cfg.QueueCapacity <= 0 {
		return nil, verrors.E(verrors.KindInvalid, "queue capacity must be positive, got %d", cfg.QueueCapacity)
	}
	i := &Ingester{
		cfg:    cfg,
		writer: writer,
		logger: logger,
		queues: map[string]*admissionQueue{},
	}
	for _, signal := range []string{signalTraces, signalLogs, signalMetrics} {
		signal := signal
		i.queues[signal] = newAdmissionQueue(cfg.QueueCapacity, cfg.QueueHighwater, func(items int) {
			metricShedItems.WithLabelValues(signal).Add(float64(items))
		})
	}
	i.Service = services.NewBasicService(i.starting, i.running, i.stopping)
	return i, nil
}

func (i *Ingester) starting(_ context.Context) error {
	// The batch loops outlive the starting context; they stop when the
	// service transitions to stopping.
	i.loopCtx, i.loopCancel = context.WithCancel(context.Background())
	i.loopsDone = make(chan struct{})

	go func() {
		defer close(i.loopsDone)
		done := make(chan struct{})
		for signal, q := range i.queues {
			go func(signal string, q *admissionQueue) {
				defer func() { done <- struct{}{} }()
				i.batchLoop(signal, q)
			}(signal, q)
		}
		for range i.queues {
			<-done
		}
	}()
	return nil
}

func (i *Ingester) running(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for signal, q := range i.queues {
				metricQueueDepth.WithLabelValues(signal).Set(float64(q.depth()))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (i *Ingester) stopping(_ error) error {
	for _, q := range i.queues {
		q.close()
	}
	i.loopCancel()
	<-i.loopsDone
	return nil
}

// PushTraces admits spans and waits for their batch to commit.
func (i *Ingester) PushTraces(ctx context.Context, spans []model.Span) error {
	return i.push(ctx, signalTraces, &model.Batch{Spans: spans})
}

// PushLogs admits log records and waits for their batch to commit.
func (i *Ingester) PushLogs(ctx context.Context, logs []model.LogRecord) error {
	return i.push(ctx, signalLogs, &model.Batch{Logs: logs})
}

// PushMetrics admits metric points and waits for their batch to commit.
func (i *Ingester) PushMetrics(ctx context.Context, points []model.MetricPoint) error {
	return i.push(ctx, signalMetrics, &model.Batch{Points: points})
}

func (i *Ingester) push(ctx context.Context, signal string, batch *model.Batch) error {
	if batch.Empty() {
		return nil
	}

	p := newPendingWrite(batch)
	if err := i.queues[signal].push(p); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.AdmissionTimeout)
	defer cancel()

	select {
	case err := <-p.done:
		if err == nil {
			metricAdmissionLatency.WithLabelValues(signal).Observe(time.Since(p.enqueued).Seconds())
		}
		return err
	case <-ctx.Done():
		// The batch may still commit; the collector retries and dedup
		// makes the retry harmless.
		return verrors.E(verrors.KindUnavailable, "timed out waiting for batch commit", ctx.Err())
	}
}

// batchLoop drains one queue, grouping entries until an item, byte or delay
// bound trips, then writes the group as one storage batch.
func (i *Ingester) batchLoop(signal string, q *admissionQueue) {
	for {
		first, ok := q.pop(i.loopCtx)
		if !ok {
			return
		}

		group := []*pendingWrite{first}
		items := first.batch.Len()
		bytes := first.bytes

		deadline := time.NewTimer(i.cfg.MaxBatchDelay)
	fill:
		for items < i.cfg.MaxBatchItems && bytes < i.cfg.MaxBatchBytes {
			p, ok, closed := q.tryPop()
			if closed {
				break
			}
			if !ok {
				select {
				case <-q.notify:
					continue
				case <-deadline.C:
					break fill
				case <-i.loopCtx.Done():
					break fill
				}
			}
			group = append(group, p)
			items += p.batch.Len()
			bytes += p.bytes
		}
		deadline.Stop()

		i.flush(signal, group)
	}
}

// flush writes one group, retrying retryable failures with exponential
// backoff, then completes every waiter with the outcome.
func (i *Ingester) flush(signal string, group []*pendingWrite) {
	merged := &model.Batch{}
	for _, p := range group {
		merged.Spans = append(merged.Spans, p.batch.Spans...)
		merged.Logs = append(merged.Logs, p.batch.Logs...)
		merged.Points = append(merged.Points, p.batch.Points...)
	}

	boff := backoff.New(i.loopCtx, backoff.Config{
		MinBackoff: i.cfg.RetryMinBackoff,
		MaxBackoff: i.cfg.RetryMaxBackoff,
		MaxRetries: i.cfg.BatchRetries,
	})

	var err error
	for boff.Ongoing() {
		err = i.writer.WriteBatch(i.loopCtx, merged)
		if err == nil || !verrors.IsRetryable(err) {
			break
		}
		level.Warn(i.logger).Log("msg", "batch write failed, backing off", "signal", signal, "err", err)
		boff.Wait()
	}
	if err != nil && verrors.IsRetryable(err) {
		err = verrors.E(verrors.KindUnavailable, "batch retries exhausted", err)
	}

	if err != nil {
		metricBatchFailures.WithLabelValues(signal).Inc()
		level.Error(i.logger).Log("msg", "dropping batch", "signal", signal, "items", merged.Len(), "err", err)
	}
	for _, p := range group {
		p.complete(err)
	}
}
