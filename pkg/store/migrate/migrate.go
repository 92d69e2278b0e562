// Package migrate coordinates schema migrations across a fleet of
// processes: exactly one process applies pending migrations under a
// Postgres advisory lock while the rest wait for the schema version to
// reach the level they need.
package migrate

import (
	"context"
	"flag"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/jackc/pgx/v5"

	"github.com/vantagehq/vantage/pkg/store"
	"github.com/vantagehq/vantage/pkg/util"
	"github.com/vantagehq/vantage/pkg/verrors"
)

// schemaLockKey is the advisory lock id guarding migration execution. A
// hash of a fixed string keeps it out of any business id space.
var schemaLockKey = int64(xxhash.Sum64String("vantage/schema"))

// Config controls the coordinator.
type Config struct {
	// RequiredVersion is the minimum schema version to serve writes.
	// Zero means the latest known migration.
	RequiredVersion int64 `yaml:"required_version"`

	// MinReadVersion is the minimum schema version to serve reads.
	MinReadVersion int64 `yaml:"min_read_version"`

	// WaitTimeout bounds how long a non-migrating process waits for the
	// schema to become ready.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&c.RequiredVersion, util.PrefixConfig(prefix, "required-version"), 0, "Minimum schema version required to serve writes. 0 means latest.")
	f.Int64Var(&c.MinReadVersion, util.PrefixConfig(prefix, "min-read-version"), 4, "Minimum schema version required to serve reads.")
	f.DurationVar(&c.WaitTimeout, util.PrefixConfig(prefix, "wait-timeout"), 5*time.Minute, "How long to wait for another process to finish migrating.")
}

// Coordinator drives migrations for one process.
type Coordinator struct {
	cfg    Config
	store  *store.Store
	logger log.Logger
}

func NewCoordinator(cfg Config, s *store.Store, logger log.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, store: s, logger: logger}
}

// Run brings the schema to the required version. The process that wins the
// advisory lock applies pending migrations; the rest poll until the version
// in schema_migrations catches up. On success the store's write and read
// gates open.
func (c *Coordinator) Run(ctx context.Context) error {
	required := c.cfg.RequiredVersion
	if required <= 0 {
		required = store.LatestVersion()
	}

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	})
	deadline := time.Now().Add(c.cfg.WaitTimeout)

	for boff.Ongoing() {
		version, err := c.step(ctx, required)
		if err != nil {
			if !verrors.IsRetryable(err) {
				return err
			}
			level.Warn(c.logger).Log("msg", "schema migration attempt failed, retrying", "err", err)
		} else if version >= required {
			c.store.SetSchemaVersion(version, required, c.cfg.MinReadVersion)
			level.Info(c.logger).Log("msg", "schema ready", "version", version)
			return nil
		} else {
			level.Info(c.logger).Log("msg", "waiting for schema migration", "version", version, "required", required)
		}
		if time.Now().After(deadline) {
			return verrors.E(verrors.KindUnavailable, "schema did not reach version %d within %s", required, c.cfg.WaitTimeout)
		}
		boff.Wait()
	}
	return boff.Err()
}

// step makes one attempt: take the lock and migrate, or just report the
// current version when another process holds it.
func (c *Coordinator) step(ctx context.Context, required int64) (int64, error) {
	conn, err := c.store.Pool().Acquire(ctx)
	if err != nil {
		return 0, verrors.E(verrors.KindUnavailable, "acquiring migration connection", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, schemaLockKey).Scan(&locked); err != nil {
		return 0, verrors.E(verrors.KindUnavailable, "taking schema advisory lock", err)
	}
	if !locked {
		return c.currentVersion(ctx, conn.Conn())
	}
	defer func() {
		// Best effort: the lock also dies with the session.
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, schemaLockKey)
	}()

	if err := c.ensureVersionTable(ctx, conn.Conn()); err != nil {
		return 0, err
	}
	version, err := c.currentVersion(ctx, conn.Conn())
	if err != nil {
		return 0, err
	}

	for _, m := range store.Migrations {
		if m.Version <= version {
			continue
		}
		level.Info(c.logger).Log("msg", "applying migration", "version", m.Version, "name", m.Name)
		if err := c.apply(ctx, conn.Conn(), m); err != nil {
			return version, err
		}
		version = m.Version
	}
	return version, nil
}

func (c *Coordinator) ensureVersionTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    BIGINT PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return verrors.E(verrors.KindUnavailable, "creating schema_migrations", err)
	}
	return nil
}

func (c *Coordinator) currentVersion(ctx context.Context, conn *pgx.Conn) (int64, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'schema_migrations')`).Scan(&exists)
	if err != nil {
		return 0, verrors.E(verrors.KindUnavailable, "checking schema_migrations", err)
	}
	if !exists {
		return 0, nil
	}
	var version int64
	err = conn.QueryRow(ctx, `SELECT coalesce(max(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, verrors.E(verrors.KindUnavailable, "reading schema version", err)
	}
	return version, nil
}

// apply runs one migration and its version bookkeeping in a single
// transaction so a crash can never record a half-applied step.
func (c *Coordinator) apply(ctx context.Context, conn *pgx.Conn, m store.Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return verrors.E(verrors.KindUnavailable, "beginning migration %d", m.Version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return verrors.E(verrors.KindFatal, "migration %d (%s) failed", m.Version, m.Name, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return verrors.E(verrors.KindUnavailable, "recording migration %d", m.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return verrors.E(verrors.KindUnavailable, "committing migration %d", m.Version, err)
	}
	return nil
}
