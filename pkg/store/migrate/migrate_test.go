package migrate

import (
	"flag"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/pkg/store"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults("schema", fs)

	require.Zero(t, cfg.RequiredVersion, "zero means latest")
	require.Equal(t, int64(4), cfg.MinReadVersion)
	require.Equal(t, 5*time.Minute, cfg.WaitTimeout)
}

func TestLockKeyIsPinned(t *testing.T) {
	// Every process must derive the same advisory lock key or two
	// migrators can run DDL concurrently.
	require.Equal(t, int64(xxhash.Sum64String("vantage/schema")), schemaLockKey)
	require.NotZero(t, schemaLockKey)
}

func TestRequiredVersionDefaultsToLatest(t *testing.T) {
	// A zero RequiredVersion resolves to the newest known migration.
	require.NotEmpty(t, store.Migrations)
	require.Equal(t, int64(len(store.Migrations)), store.LatestVersion())
}
