package store

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricRetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vantage",
	Name:      "store_retention_rows_deleted_total",
	Help:      "Fact rows removed by the retention sweep.",
}, []string{"table"})

// retentionDeleteBatch bounds a single DELETE so the sweep never holds a
// long transaction.
const retentionDeleteBatch = 10000

// DeleteExpired removes fact rows whose event time precedes the horizon,
// then prunes service dimension rows not seen since the horizon. Deletes run
// in bounded batches per table and report the total rows removed. The other
// dimensions (resources, descriptors) stay: they are small, content-addressed
// and re-used across the horizon.
func (s *Store) DeleteExpired(ctx context.Context, horizon time.Time) (int64, error) {
	if err := s.gateWrite(); err != nil {
		return 0, err
	}
	cutoff := horizon.UnixNano()

	var total int64
	for _, t := range []struct {
		table   string
		timeCol string
	}{
		{"spans", "start_unix_nanos"},
		{"logs", "time_unix_nanos"},
		{"metric_points", "time_unix_nanos"},
	} {
		n, err := s.deleteExpiredTable(ctx, t.table, t.timeCol, cutoff)
		if err != nil {
			return total, err
		}
		if n > 0 {
			level.Info(s.logger).Log("msg", "retention sweep deleted rows", "table", t.table, "rows", n)
		}
		metricRetentionDeleted.WithLabelValues(t.table).Add(float64(n))
		total += n
	}

	// Every write bumps services.last_seen, so a service not seen since the
	// cutoff has no facts left to reference it. The upsert path recreates the
	// row if the service ever reports again.
	tag, err := s.pool.Exec(ctx, `DELETE FROM services WHERE last_seen < $1`, cutoff)
	if err != nil {
		return total, mapPgError("retention delete services", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		level.Info(s.logger).Log("msg", "retention sweep pruned services", "rows", n)
		metricRetentionDeleted.WithLabelValues("services").Add(float64(n))
		total += n
	}
	return total, nil
}

func (s *Store) deleteExpiredTable(ctx context.Context, table, timeCol string, cutoff int64) (int64, error) {
	// ctid-batched deletes keep each statement short regardless of how far
	// behind the sweep is.
	q := `DELETE FROM ` + table + ` WHERE ctid IN (
		SELECT ctid FROM ` + table + ` WHERE ` + timeCol + ` < $1 LIMIT $2)`

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, mapPgError("retention delete", err)
		}
		tag, err := s.pool.Exec(ctx, q, cutoff, retentionDeleteBatch)
		if err != nil {
			return total, mapPgError("retention delete", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < retentionDeleteBatch {
			return total, nil
		}
	}
}
