// Package config provides configuration loading for the delta orchestrator.
package config

import (
	"os"
	"strconv"
	"time"
)

// OrchestratorConfig holds one-cycle runtime configuration.
type OrchestratorConfig struct {
	// RegistryPath points at the YAML table registry.
	RegistryPath string

	// Concurrency settings
	ConcurrencyLimit int
	TableTimeoutSecs int

	// Watermark store: "postgres", "sqlite", or "memory".
	WatermarkBackend string
	SQLitePath       string

	// Extraction source
	SourceDriver    string
	SourceDSN       string
	SourceRateLimit float64

	// Sink settings
	SinkBackend     string // "s3" or "local"
	SinkBucket      string
	SinkPrefix      string
	SinkEndpointURL string
	SinkAccessKey   string
	SinkSecretKey   string
	SinkRegion      string
	SinkLocalRoot   string
}

// Load reads configuration from environment.
func Load() *OrchestratorConfig {
	return &OrchestratorConfig{
		RegistryPath:     getEnv("DELTA_REGISTRY_PATH", "tables.yaml"),
		ConcurrencyLimit: getEnvInt("DELTA_CONCURRENCY", 4),
		TableTimeoutSecs: getEnvInt("DELTA_TABLE_TIMEOUT_SECS", 0),
		WatermarkBackend: getEnv("DELTA_WATERMARK_BACKEND", "sqlite"),
		SQLitePath:       getEnv("DELTA_SQLITE_PATH", "delta-watermarks.db"),
		SourceDriver:     getEnv("DELTA_SOURCE_DRIVER", "pgx"),
		SourceDSN:        getEnv("DELTA_SOURCE_DSN", ""),
		SourceRateLimit:  getEnvFloat("DELTA_SOURCE_RATE_LIMIT", 0),
		SinkBackend:      getEnv("DELTA_SINK_BACKEND", "local"),
		SinkBucket:       getEnv("DELTA_SINK_BUCKET", "delta-sink"),
		SinkPrefix:       getEnv("DELTA_SINK_PREFIX", "raw"),
		SinkEndpointURL:  getEnv("DELTA_SINK_ENDPOINT", ""),
		SinkAccessKey:    getEnv("DELTA_SINK_ACCESS_KEY", ""),
		SinkSecretKey:    getEnv("DELTA_SINK_SECRET_KEY", ""),
		SinkRegion:       getEnv("DELTA_SINK_REGION", ""),
		SinkLocalRoot:    getEnv("DELTA_SINK_LOCAL_ROOT", ""),
	}
}

// TableTimeout returns the per-table budget as a duration.
func (c *OrchestratorConfig) TableTimeout() time.Duration {
	return time.Duration(c.TableTimeoutSecs) * time.Second
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
