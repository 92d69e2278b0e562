// Package store owns the star schema: fingerprinted dimension rows,
// append-only fact rows, and the typed read/write operations over them. SQL
// stays inside this package.
package store

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/vantagehq/vantage/pkg/util"
	"github.com/vantagehq/vantage/pkg/verrors"
)

var (
	metricDimensionCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "store_dimension_cache_hits_total",
		Help:      "Dimension cache hits by dimension.",
	}, []string{"dimension"})
	metricDimensionCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "store_dimension_cache_misses_total",
		Help:      "Dimension cache misses by dimension.",
	}, []string{"dimension"})
	metricBatchCommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vantage",
		Name:      "store_batch_commit_duration_seconds",
		Help:      "Time spent committing a fact batch.",
		Buckets:   prometheus.DefBuckets,
	})
	metricFactsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "store_facts_written_total",
		Help:      "Fact rows written by signal.",
	}, []string{"signal"})
	metricFactsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vantage",
		Name:      "store_facts_deduplicated_total",
		Help:      "Fact rows skipped because their idempotency key already existed.",
	}, []string{"signal"})
)

// Config holds store settings.
type Config struct {
	DatabaseURL    string `yaml:"database_url"`
	PoolMin        int    `yaml:"pool_min"`
	PoolMax        int    `yaml:"pool_max"`
	IngestConns    int    `yaml:"ingest_conns"`
	QueryConns     int    `yaml:"query_conns"`
	DimensionCache int    `yaml:"dimension_cache_entries"`

	// RetentionHorizon mirrors the retention worker's horizon so query
	// windows clamp to what the sweep keeps. Set by the app, not a flag.
	RetentionHorizon time.Duration `yaml:"-"`
}

// RegisterFlagsAndApplyDefaults registers flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.DatabaseURL, util.PrefixConfig(prefix, "database.url"), "postgres://localhost:5432/vantage?sslmode=disable", "Postgres connection string.")
	f.IntVar(&c.PoolMin, util.PrefixConfig(prefix, "database.pool.min"), 2, "Minimum pooled connections.")
	f.IntVar(&c.PoolMax, util.PrefixConfig(prefix, "database.pool.max"), 16, "Maximum pooled connections.")
	f.IntVar(&c.IngestConns, util.PrefixConfig(prefix, "ingest-conns"), 8, "Connection cap for ingest work.")
	f.IntVar(&c.QueryConns, util.PrefixConfig(prefix, "query-conns"), 8, "Connection cap for query work.")
	f.IntVar(&c.DimensionCache, util.PrefixConfig(prefix, "dimension-cache-entries"), 8192, "Entries kept in the fingerprint to id cache.")
}

type category int

const (
	categoryIngest category = iota
	categoryQuery
)

// Store is the Postgres-backed data plane.
type Store struct {
	cfg    Config
	pool   *pgxpool.Pool
	logger log.Logger

	resourceCache   *lru.Cache[string, int64]
	scopeCache      *lru.Cache[string, int64]
	descriptorCache *lru.Cache[string, int64]

	// Per-category semaphores over the shared pool so a read storm cannot
	// starve ingest.
	ingestSem chan struct{}
	querySem  chan struct{}

	schemaVersion atomic.Int64
	writeReady    atomic.Bool
	readReady     atomic.Bool
}

// New connects the pool and builds the dimension caches. Schema readiness
// is owned by the migrate coordinator, which calls SetSchemaVersion.
func New(cfg Config, logger log.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, verrors.E(verrors.KindInvalid, "parsing database url", err)
	}
	poolCfg.MinConns = int32(cfg.PoolMin)
	// one extra connection above the two category caps for the migration
	// holder and health checks
	poolCfg.MaxConns = int32(cfg.PoolMax)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, verrors.E(verrors.KindUnavailable, "connecting to database", err)
	}

	s := &Store{
		cfg:       cfg,
		pool:      pool,
		logger:    logger,
		ingestSem: make(chan struct{}, cfg.IngestConns),
		querySem:  make(chan struct{}, cfg.QueryConns),
	}

	for _, c := range []**lru.Cache[string, int64]{&s.resourceCache, &s.scopeCache, &s.descriptorCache} {
		cache, err := lru.New[string, int64](cfg.DimensionCache)
		if err != nil {
			return nil, err
		}
		*c = cache
	}

	return s, nil
}

// Pool exposes the underlying pool to the migrate coordinator and the
// retention worker.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return mapPgError("pinging database", err)
	}
	return nil
}

// SetSchemaVersion records the observed schema version and flips the
// readiness gates against the given requirements.
func (s *Store) SetSchemaVersion(version, requiredWrite, requiredRead int64) {
	s.schemaVersion.Store(version)
	s.writeReady.Store(version >= requiredWrite)
	s.readReady.Store(version >= requiredRead)
}

// SchemaVersion returns the last observed schema version.
func (s *Store) SchemaVersion() int64 { return s.schemaVersion.Load() }

// Ready reports whether writes may be served.
func (s *Store) Ready() bool { return s.writeReady.Load() }

// ReadReady reports whether reads may be served.
func (s *Store) ReadReady() bool { return s.readReady.Load() }

func (s *Store) gateWrite() error {
	if !s.writeReady.Load() {
		return verrors.E(verrors.KindUnavailable, "schema version %d below required write version", s.schemaVersion.Load())
	}
	return nil
}

func (s *Store) gateRead() error {
	if !s.readReady.Load() {
		return verrors.E(verrors.KindUnavailable, "schema version %d below required read version", s.schemaVersion.Load())
	}
	return nil
}

// acquire takes a category slot, honoring cancellation.
func (s *Store) acquire(ctx context.Context, c category) (release func(), err error) {
	sem := s.ingestSem
	if c == categoryQuery {
		sem = s.querySem
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, verrors.Wrap(verrors.KindCancelled, ctx.Err())
	}
}

// clampWindow intersects [startNanos, endNanos] with the retention horizon
// so queries never return rows older than the configured window.
func (s *Store) clampWindow(startNanos, endNanos int64) (int64, int64) {
	if s.cfg.RetentionHorizon <= 0 {
		return startNanos, endNanos
	}
	oldest := time.Now().Add(-s.cfg.RetentionHorizon).UnixNano()
	if startNanos < oldest {
		startNanos = oldest
	}
	return startNanos, endNanos
}

// mapPgError classifies driver errors into the uniform kinds.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return verrors.E(verrors.KindCancelled, op, err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return verrors.E(verrors.KindNotFound, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// class 08: connection exceptions, class 53: insufficient resources,
		// class 57: operator intervention, 40001/40P01: serialization
		case pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57" ||
			pgErr.Code == "40001" || pgErr.Code == "40P01":
			return verrors.E(verrors.KindUnavailable, op, err)
		// class 23: integrity violations that survived ON CONFLICT handling
		// indicate a programming error
		case pgErr.Code[:2] == "23":
			return verrors.E(verrors.KindFatal, op, err)
		}
	}

	if pgconn.SafeToRetry(err) {
		return verrors.E(verrors.KindUnavailable, op, err)
	}
	return verrors.E(verrors.KindUnavailable, op, err)
}

func logError(logger log.Logger, msg string, err error) {
	if verrors.KindOf(err) == verrors.KindFatal {
		level.Error(logger).Log("msg", msg, "err", err, "kind", "fatal")
		return
	}
	level.Warn(logger).Log("msg", msg, "err", err)
}
