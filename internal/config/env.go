// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fitsync/liveworkout/internal/log"
)

// ParseString reads a string from the environment or returns the default.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	logEnvUse(logger, key, value)
	return value
}

// ParseBool reads a boolean from the environment or returns the default.
func ParseBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		warnInvalidEnv(key, value, "boolean")
		return defaultValue
	}
	return parsed
}

// ParseInt reads an integer from the environment or returns the default.
func ParseInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		warnInvalidEnv(key, value, "integer")
		return defaultValue
	}
	return parsed
}

// ParseFloat reads a float from the environment or returns the default.
func ParseFloat(key string, defaultValue float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		warnInvalidEnv(key, value, "float")
		return defaultValue
	}
	return parsed
}

// ParseDuration reads a duration from the environment or returns the
// default. Plain integers are treated as seconds.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	warnInvalidEnv(key, value, "duration")
	return defaultValue
}

func warnInvalidEnv(key, value, want string) {
	logger := log.WithComponent("config")
	logger.Warn().
		Str("key", key).Str("value", value).Str("want", want).
		Msg("invalid environment value, using default")
}

func logEnvUse(logger zerolog.Logger, key, value string) {
	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "password") || strings.Contains(lowerKey, "token") {
		logger.Debug().Str("key", key).Bool("sensitive", true).Msg("using environment variable")
		return
	}
	logger.Debug().Str("key", key).Str("value", value).Msg("using environment variable")
}
