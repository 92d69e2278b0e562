package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_CheckConfig(t *testing.T) {
	tt := []struct {
		name   string
		config *Config
		expect int
	}{
		{
			name:   "check default cfg and expect no warnings",
			config: NewDefaultConfig(),
			expect: 0,
		},
		{
			name: "admission timeout below batch delay",
			config: func() *Config {
				c := NewDefaultConfig()
				c.Ingester.AdmissionTimeout = 50 * time.Millisecond
				c.Ingester.MaxBatchDelay = 200 * time.Millisecond
				return c
			}(),
			expect: 1,
		},
		{
			name: "retention horizon below sweep interval",
			config: func() *Config {
				c := NewDefaultConfig()
				c.Retention.Horizon = time.Minute
				c.Retention.Interval = 15 * time.Minute
				return c
			}(),
			expect: 1,
		},
		{
			name: "retention disabled is not suspect",
			config: func() *Config {
				c := NewDefaultConfig()
				c.Retention.Horizon = 0
				return c
			}(),
			expect: 0,
		},
		{
			name: "pending ttl below stale-after",
			config: func() *Config {
				c := NewDefaultConfig()
				c.OpAMP.PendingTTL = time.Minute
				c.OpAMP.StaleAfter = 5 * time.Minute
				return c
			}(),
			expect: 1,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			warnings := tc.config.CheckConfig()
			assert.Len(t, warnings, tc.expect)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := NewDefaultConfig()

	require.Equal(t, SingleBinary, c.Target)
	require.Equal(t, 3200, c.Server.HTTPListenPort)
	require.Equal(t, 4317, c.Server.GRPCListenPort)
}

func TestSetupModuleManager(t *testing.T) {
	app, err := New(*NewDefaultConfig())
	require.NoError(t, err)

	for _, target := range []string{Server, Store, Schema, Ingester, Receiver, Querier, OpAMP, Retention, SingleBinary} {
		require.True(t, app.ModuleManager.IsModuleRegistered(target), "module %s is not registered", target)
	}
}
