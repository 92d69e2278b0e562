package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/verrors"
)

// WriteBatch atomically persists a fact batch: dimensions are resolved
// first, then every fact row commits in one transaction. Duplicate facts
// (same idempotency key) are silently skipped, which gives at-least-once
// producers exactly-once persistence.
func (s *Store) WriteBatch(ctx context.Context, batch *model.Batch) error {
	if err := s.gateWrite(); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}

	release, err := s.acquire(ctx, categoryIngest)
	if err != nil {
		return err
	}
	defer release()

	dbTime := time.Now().UnixNano()

	resolved, err := s.resolveDimensions(ctx, batch)
	if err != nil {
		return err
	}

	start := time.Now()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError("beginning batch transaction", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	b := &pgx.Batch{}
	if err := s.queueSpans(b, batch.Spans, resolved, dbTime); err != nil {
		return err
	}
	if err := s.queueLogs(b, batch.Logs, resolved, dbTime); err != nil {
		return err
	}
	if err := s.queuePoints(b, batch.Points, resolved, dbTime); err != nil {
		return err
	}

	br := tx.SendBatch(ctx, b)
	var written, deduped [3]int64
	for i := 0; i < b.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return mapPgError("writing batch", err)
		}
		idx := 0
		switch {
		case i < len(batch.Spans):
			idx = 0
		case i < len(batch.Spans)+len(batch.Logs):
			idx = 1
		default:
			idx = 2
		}
		if tag.RowsAffected() == 0 {
			deduped[idx]++
		} else {
			written[idx]++
		}
	}
	if err := br.Close(); err != nil {
		return mapPgError("closing batch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError("committing batch", err)
	}
	metricBatchCommitDuration.Observe(time.Since(start).Seconds())

	for i, signal := range []string{"spans", "logs", "metrics"} {
		if written[i] > 0 {
			metricFactsWritten.WithLabelValues(signal).Add(float64(written[i]))
		}
		if deduped[i] > 0 {
			metricFactsDeduped.WithLabelValues(signal).Add(float64(deduped[i]))
		}
	}

	// derived service dimension, outside the fact transaction: last_seen is
	// monotone so replays are harmless
	seen := map[[2]string]int64{}
	for i := range batch.Spans {
		sp := &batch.Spans[i]
		key := [2]string{sp.Resource.ServiceName(), sp.Resource.ServiceNamespace()}
		if ts := int64(sp.EndUnixNanos); ts > seen[key] {
			seen[key] = ts
		}
	}
	for key, ts := range seen {
		if err := s.touchService(ctx, key[0], key[1], ts); err != nil {
			logError(s.logger, "updating service seen range", err)
		}
	}

	return nil
}

// dimensionIDs carries the resolved foreign keys for one batch.
type dimensionIDs struct {
	resources   map[model.Fingerprint]int64
	scopes      map[model.Fingerprint]int64
	descriptors map[model.Fingerprint]int64
}

func (s *Store) resolveDimensions(ctx context.Context, batch *model.Batch) (*dimensionIDs, error) {
	ids := &dimensionIDs{
		resources:   map[model.Fingerprint]int64{},
		scopes:      map[model.Fingerprint]int64{},
		descriptors: map[model.Fingerprint]int64{},
	}

	resource := func(r model.Resource) error {
		fp := r.Fingerprint()
		if _, ok := ids.resources[fp]; ok {
			return nil
		}
		id, err := s.UpsertResource(ctx, r)
		if err != nil {
			return err
		}
		ids.resources[fp] = id
		return nil
	}
	scope := func(sc model.Scope) error {
		fp := sc.Fingerprint()
		if _, ok := ids.scopes[fp]; ok {
			return nil
		}
		id, err := s.UpsertScope(ctx, sc)
		if err != nil {
			return err
		}
		ids.scopes[fp] = id
		return nil
	}

	for i := range batch.Spans {
		if err := resource(batch.Spans[i].Resource); err != nil {
			return nil, err
		}
		if err := scope(batch.Spans[i].Scope); err != nil {
			return nil, err
		}
	}
	for i := range batch.Logs {
		if err := resource(batch.Logs[i].Resource); err != nil {
			return nil, err
		}
		if err := scope(batch.Logs[i].Scope); err != nil {
			return nil, err
		}
	}
	for i := range batch.Points {
		p := &batch.Points[i]
		if err := resource(p.Resource); err != nil {
			return nil, err
		}
		if err := scope(p.Scope); err != nil {
			return nil, err
		}
		fp := p.Descriptor.Fingerprint()
		if _, ok := ids.descriptors[fp]; !ok {
			id, err := s.UpsertMetricDescriptor(ctx, p.Descriptor)
			if err != nil {
				return nil, err
			}
			ids.descriptors[fp] = id
		}
	}

	return ids, nil
}

func (s *Store) queueSpans(b *pgx.Batch, spans []model.Span, ids *dimensionIDs, dbTime int64) error {
	const insert = `
		INSERT INTO spans (trace_id, span_id, parent_span_id, name, kind,
			start_unix_nanos, end_unix_nanos, status_code, status_message,
			resource_id, scope_id, attrs, events, links, service_name, db_time_unix_nanos)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (trace_id, span_id) DO NOTHING`

	for i := range spans {
		sp := &spans[i]
		attrs, events, links, err := encodeSpanJSON(sp)
		if err != nil {
			return err
		}
		var parent []byte
		if !sp.ParentSpanID.IsZero() {
			parent = sp.ParentSpanID[:]
		}
		b.Queue(insert,
			sp.TraceID[:], sp.SpanID[:], parent, sp.Name, int16(sp.Kind),
			int64(sp.StartUnixNanos), int64(sp.EndUnixNanos),
			int16(sp.StatusCode), sp.StatusMessage,
			ids.resources[sp.Resource.Fingerprint()], ids.scopes[sp.Scope.Fingerprint()],
			attrs, events, links, sp.Resource.ServiceName(), dbTime)
	}
	return nil
}

func (s *Store) queueLogs(b *pgx.Batch, logs []model.LogRecord, ids *dimensionIDs, dbTime int64) error {
	const insert = `
		INSERT INTO logs (fp_hi, fp_lo, time_unix_nanos, observed_unix_nanos,
			severity_number, severity_text, body, trace_id, span_id,
			resource_id, scope_id, attrs, db_time_unix_nanos)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (fp_hi, fp_lo) DO NOTHING`

	for i := range logs {
		l := &logs[i]
		fp := l.Fingerprint()
		body, err := json.Marshal(l.Body)
		if err != nil {
			return verrors.E(verrors.KindInvalid, "encoding log body", err)
		}
		attrs, err := json.Marshal(l.Attributes)
		if err != nil {
			return verrors.E(verrors.KindInvalid, "encoding log attributes", err)
		}
		var traceID, spanID []byte
		if !l.TraceID.IsZero() {
			traceID = l.TraceID[:]
		}
		if !l.SpanID.IsZero() {
			spanID = l.SpanID[:]
		}
		b.Queue(insert,
			int64(fp.Hi), int64(fp.Lo), int64(l.TimeUnixNanos), int64(l.ObservedTimeUnixNanos),
			int16(l.SeverityNumber), l.SeverityText, body, traceID, spanID,
			ids.resources[l.Resource.Fingerprint()], ids.scopes[l.Scope.Fingerprint()],
			attrs, dbTime)
	}
	return nil
}

func (s *Store) queuePoints(b *pgx.Batch, points []model.MetricPoint, ids *dimensionIDs, dbTime int64) error {
	const insert = `
		INSERT INTO metric_points (fp_hi, fp_lo, descriptor_id, resource_id, scope_id,
			time_unix_nanos, start_time_unix_nanos, attrs, value, payload, db_time_unix_nanos)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fp_hi, fp_lo) DO NOTHING`

	for i := range points {
		p := &points[i]
		fp := p.Fingerprint()
		attrs, err := json.Marshal(p.Attributes)
		if err != nil {
			return verrors.E(verrors.KindInvalid, "encoding point attributes", err)
		}
		payload, err := encodePointPayload(p)
		if err != nil {
			return err
		}
		b.Queue(insert,
			int64(fp.Hi), int64(fp.Lo),
			ids.descriptors[p.Descriptor.Fingerprint()],
			ids.resources[p.Resource.Fingerprint()], ids.scopes[p.Scope.Fingerprint()],
			int64(p.TimeUnixNanos), int64(p.StartTimeUnixNanos),
			attrs, p.Value, payload, dbTime)
	}
	return nil
}

func encodeSpanJSON(sp *model.Span) (attrs, events, links []byte, err error) {
	attrs, err = json.Marshal(sp.Attributes)
	if err != nil {
		return nil, nil, nil, verrors.E(verrors.KindInvalid, "encoding span attributes", err)
	}
	if len(sp.Events) > 0 {
		events, err = json.Marshal(sp.Events)
		if err != nil {
			return nil, nil, nil, verrors.E(verrors.KindInvalid, "encoding span events", err)
		}
	}
	if len(sp.Links) > 0 {
		links, err = json.Marshal(sp.Links)
		if err != nil {
			return nil, nil, nil, verrors.E(verrors.KindInvalid, "encoding span links", err)
		}
	}
	return attrs, events, links, nil
}

func encodePointPayload(p *model.MetricPoint) ([]byte, error) {
	var payload any
	switch {
	case p.Histogram != nil:
		payload = p.Histogram
	case p.ExponentialHistogram != nil:
		payload = p.ExponentialHistogram
	case p.Summary != nil:
		payload = p.Summary
	default:
		return nil, nil
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, verrors.E(verrors.KindInvalid, "encoding point payload", err)
	}
	return out, nil
}
