// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9090"
redis:
  addr: "redis.internal:6379"
live:
  evictAfter: 90s
`), 0o600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Live.EvictAfter)
	// Untouched keys keep defaults.
	assert.Equal(t, 15*time.Second, cfg.Live.HeartbeatEvery)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9090\"\n"), 0o600))
	t.Setenv(EnvListen, ":7070")
	t.Setenv(EnvEvictAfter, "2m")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, 2*time.Minute, cfg.Live.EvictAfter)
}

func TestMalformedEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv(EnvRedisDB, "not-a-number")
	t.Setenv(EnvLogPretty, "kinda")
	t.Setenv(EnvTelemetrySampling, "lots")
	t.Setenv(EnvEvictAfter, "soon")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Redis.DB, cfg.Redis.DB)
	assert.Equal(t, Defaults().Log.Pretty, cfg.Log.Pretty)
	assert.Equal(t, Defaults().Telemetry.SamplingRate, cfg.Telemetry.SamplingRate)
	assert.Equal(t, Defaults().Live.EvictAfter, cfg.Live.EvictAfter)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults().Server.Listen, cfg.Server.Listen)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad listen", func(c *Config) { c.Server.Listen = "nonsense" }},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"evict within heartbeat", func(c *Config) { c.Live.EvictAfter = c.Live.HeartbeatEvery }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad exporter", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.ExporterType = "udp"
		}},
		{"sampling out of range", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SamplingRate = 1.5
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestHolderReloadKeepsOldOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9090\"\n"), 0o600))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	holder := NewHolder(cfg, loader, path)

	// Corrupt the file; the holder must keep serving the old config.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \"nonsense\"\n"), 0o600))
	require.Error(t, holder.Reload(context.Background()))
	assert.Equal(t, ":9090", holder.Get().Server.Listen)

	// Fix it; the reload applies and subscribers hear about it.
	updates := make(chan Config, 1)
	holder.Subscribe(updates)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":7071\"\n"), 0o600))
	require.NoError(t, holder.Reload(context.Background()))
	assert.Equal(t, ":7071", holder.Get().Server.Listen)
	select {
	case got := <-updates:
		assert.Equal(t, ":7071", got.Server.Listen)
	default:
		t.Fatal("subscriber missed the reload")
	}
}
