// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides. Every key beats its file counterpart.
const (
	EnvConfigPath        = "LIVEWORKOUT_CONFIG"
	EnvListen            = "LIVEWORKOUT_LISTEN"
	EnvRateLimit         = "LIVEWORKOUT_RATE_LIMIT_PER_MINUTE"
	EnvRedisAddr         = "LIVEWORKOUT_REDIS_ADDR"
	EnvRedisPassword     = "LIVEWORKOUT_REDIS_PASSWORD"
	EnvRedisDB           = "LIVEWORKOUT_REDIS_DB"
	EnvStorePath         = "LIVEWORKOUT_STORE_PATH"
	EnvLogLevel          = "LIVEWORKOUT_LOG_LEVEL"
	EnvLogPretty         = "LIVEWORKOUT_LOG_PRETTY"
	EnvHeartbeatEvery    = "LIVEWORKOUT_HEARTBEAT_EVERY"
	EnvScanEvery         = "LIVEWORKOUT_SCAN_EVERY"
	EnvEvictAfter        = "LIVEWORKOUT_EVICT_AFTER"
	EnvBroadcastMinGap   = "LIVEWORKOUT_BROADCAST_MIN_GAP"
	EnvPresenceTimeout   = "LIVEWORKOUT_PRESENCE_TIMEOUT"
	EnvTelemetryEnabled  = "LIVEWORKOUT_TELEMETRY_ENABLED"
	EnvTelemetryExporter = "LIVEWORKOUT_TELEMETRY_EXPORTER"
	EnvTelemetryEndpoint = "LIVEWORKOUT_TELEMETRY_ENDPOINT"
	EnvTelemetrySampling = "LIVEWORKOUT_TELEMETRY_SAMPLING_RATE"
)

// Loader loads configuration with defaults < file < environment precedence.
type Loader struct {
	configPath string
}

// NewLoader binds a loader to a YAML file path. An empty path skips the
// file layer.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load builds and validates the effective configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		raw, err := os.ReadFile(l.configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Defaults plus environment still make a valid config.
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", l.configPath, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", l.configPath, err)
			}
		}
	}

	l.applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) {
	cfg.Server.Listen = ParseString(EnvListen, cfg.Server.Listen)
	cfg.Server.RateLimitPerMinute = ParseInt(EnvRateLimit, cfg.Server.RateLimitPerMinute)

	cfg.Redis.Addr = ParseString(EnvRedisAddr, cfg.Redis.Addr)
	cfg.Redis.Password = ParseString(EnvRedisPassword, cfg.Redis.Password)
	cfg.Redis.DB = ParseInt(EnvRedisDB, cfg.Redis.DB)

	cfg.Store.Path = ParseString(EnvStorePath, cfg.Store.Path)

	cfg.Log.Level = ParseString(EnvLogLevel, cfg.Log.Level)
	cfg.Log.Pretty = ParseBool(EnvLogPretty, cfg.Log.Pretty)

	cfg.Live.HeartbeatEvery = ParseDuration(EnvHeartbeatEvery, cfg.Live.HeartbeatEvery)
	cfg.Live.ScanEvery = ParseDuration(EnvScanEvery, cfg.Live.ScanEvery)
	cfg.Live.EvictAfter = ParseDuration(EnvEvictAfter, cfg.Live.EvictAfter)
	cfg.Live.BroadcastMinGap = ParseDuration(EnvBroadcastMinGap, cfg.Live.BroadcastMinGap)
	cfg.Live.PresenceTimeout = ParseDuration(EnvPresenceTimeout, cfg.Live.PresenceTimeout)

	cfg.Telemetry.Enabled = ParseBool(EnvTelemetryEnabled, cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString(EnvTelemetryExporter, cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString(EnvTelemetryEndpoint, cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat(EnvTelemetrySampling, cfg.Telemetry.SamplingRate)
}
