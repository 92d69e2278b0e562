package retention

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestIterationSkipsWhenDisabled(t *testing.T) {
	// Horizon zero disables the sweep entirely; the worker must not touch
	// the store at all.
	w := New(Config{Horizon: 0, Interval: time.Minute}, nil, log.NewNopLogger())

	require.NoError(t, w.iteration(context.Background()))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults("retention", fs)

	require.Equal(t, 7*24*time.Hour, cfg.Horizon)
	require.Equal(t, 15*time.Minute, cfg.Interval)
}

func TestLockKeyIsPinned(t *testing.T) {
	// The advisory lock key is part of the cross-process protocol: every
	// binary version must derive the same key or two sweeps can run at
	// once. Pin the derivation.
	require.Equal(t, int64(xxhash.Sum64String("vantage/retention")), retentionLockKey)
	require.NotZero(t, retentionLockKey)
}
