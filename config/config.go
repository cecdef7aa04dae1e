// Package config reads runtime configuration from environment variables.
package config

import (
	"os"
	"strconv"
)

// Config holds the dev server's runtime configuration.
type Config struct {
	Port     string
	LogLevel string
	// MaxBodyBytes caps accepted request bodies.
	MaxBodyBytes int64
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	return &Config{
		Port:         getEnv("GROUPSYNC_PORT", "8090"),
		LogLevel:     getEnv("GROUPSYNC_LOG_LEVEL", "info"),
		MaxBodyBytes: getEnvInt64("GROUPSYNC_MAX_BODY_BYTES", 1<<20),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}
