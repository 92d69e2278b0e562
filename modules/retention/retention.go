// Package retention deletes facts older than the configured horizon. The
// sweep runs on a timer; a database advisory lock ensures only one process
// in the fleet deletes at a time.
package retention

import (
	"context"
	"flag"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/vantagehq/vantage/pkg/store"
	"github.com/vantagehq/vantage/pkg/util"
	"github.com/vantagehq/vantage/pkg/verrors"
)

// retentionLockKey guards the sweep cluster-wide.
var retentionLockKey = int64(xxhash.Sum64String("vantage/retention"))

// Config holds the retention knobs.
type Config struct {
	// Horizon is the oldest admissible row age. Zero disables the sweep.
	Horizon time.Duration `yaml:"horizon"`

	Interval time.Duration `yaml:"interval"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&c.Horizon, util.PrefixConfig(prefix, "horizon"), 7*24*time.Hour, "Oldest admissible row age. 0 disables deletion.")
	f.DurationVar(&c.Interval, util.PrefixConfig(prefix, "interval"), 15*time.Minute, "How often the sweep runs.")
}

// Worker runs the periodic sweep.
type Worker struct {
	services.Service

	cfg    Config
	store  *store.Store
	logger log.Logger
}

func New(cfg Config, s *store.Store, logger log.Logger) *Worker {
	w := &Worker{cfg: cfg, store: s, logger: logger}
	w.Service = services.NewTimerService(cfg.Interval, nil, w.iteration, nil)
	return w
}

func (w *Worker) iteration(ctx context.Context) error {
	if w.cfg.Horizon <= 0 {
		return nil
	}
	if err := w.sweep(ctx); err != nil {
		// The sweep retries next interval; only a broken invariant stops
		// the service.
		if verrors.KindOf(err) == verrors.KindFatal {
			return err
		}
		level.Warn(w.logger).Log("msg", "retention sweep failed", "err", err)
	}
	return nil
}

// sweep takes the cluster-wide lock and deletes expired facts. Losing the
// lock race is the normal case in a fleet and is not an error.
func (w *Worker) sweep(ctx context.Context) error {
	conn, err := w.store.Pool().Acquire(ctx)
	if err != nil {
		return verrors.E(verrors.KindUnavailable, "acquiring retention connection", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, retentionLockKey).Scan(&locked); err != nil {
		return verrors.E(verrors.KindUnavailable, "taking retention advisory lock", err)
	}
	if !locked {
		return nil
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, retentionLockKey)
	}()

	horizon := time.Now().Add(-w.cfg.Horizon)
	deleted, err := w.store.DeleteExpired(ctx, horizon)
	if err != nil {
		return err
	}
	if deleted > 0 {
		level.Info(w.logger).Log("msg", "retention sweep complete", "deleted", deleted, "horizon", horizon.UTC().Format(time.RFC3339))
	}
	return nil
}
