// SPDX-License-Identifier: MIT

// Package config loads and validates daemon configuration. Precedence is
// environment over YAML file over built-in defaults, and a holder supports
// hot reload from file changes.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Live      LiveConfig      `yaml:"live"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimitPerMinute bounds requests per client IP on the API routes.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
}

// RedisConfig configures the realtime transport.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig configures durable storage.
type StoreConfig struct {
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

// LiveConfig tunes session liveness and broadcasting.
type LiveConfig struct {
	HeartbeatEvery  time.Duration `yaml:"heartbeatEvery"`
	ScanEvery       time.Duration `yaml:"scanEvery"`
	EvictAfter      time.Duration `yaml:"evictAfter"`
	BroadcastMinGap time.Duration `yaml:"broadcastMinGap"`
	PresenceTimeout time.Duration `yaml:"presenceTimeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen:             ":8080",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       20 * time.Second,
			ShutdownTimeout:    15 * time.Second,
			RateLimitPerMinute: 300,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Store: StoreConfig{
			Path: "live.db",
		},
		Live: LiveConfig{
			HeartbeatEvery:  15 * time.Second,
			ScanEvery:       20 * time.Second,
			EvictAfter:      45 * time.Second,
			BroadcastMinGap: 200 * time.Millisecond,
			PresenceTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			Environment:  "development",
			SamplingRate: 0.1,
		},
	}
}

// Validate rejects configurations that cannot run.
func Validate(cfg Config) error {
	if _, port, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
		return fmt.Errorf("config: invalid server.listen %q: %w", cfg.Server.Listen, err)
	} else if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("config: invalid server.listen port %q", port)
	}
	if cfg.Server.RateLimitPerMinute <= 0 {
		return fmt.Errorf("config: server.rateLimitPerMinute must be positive")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if cfg.Live.HeartbeatEvery <= 0 || cfg.Live.ScanEvery <= 0 {
		return fmt.Errorf("config: live heartbeat and scan intervals must be positive")
	}
	if cfg.Live.EvictAfter <= cfg.Live.HeartbeatEvery {
		return fmt.Errorf("config: live.evictAfter (%s) must exceed live.heartbeatEvery (%s)",
			cfg.Live.EvictAfter, cfg.Live.HeartbeatEvery)
	}
	if cfg.Live.BroadcastMinGap <= 0 {
		return fmt.Errorf("config: live.broadcastMinGap must be positive")
	}
	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log.level %q", cfg.Log.Level)
	}
	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.ExporterType {
		case "grpc", "http":
		default:
			return fmt.Errorf("config: telemetry.exporterType must be grpc or http, got %q", cfg.Telemetry.ExporterType)
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("config: telemetry.samplingRate must be within [0,1]")
		}
	}
	return nil
}
