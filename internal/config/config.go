// Package config defines service configuration structures and loading hooks.
package config

import (
	"runtime"
)

// Store drivers accepted by StoreDriver.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// ModeConfig overrides or adds the policy of one "game:playtype" mode.
type ModeConfig struct {
	SecondaryMetric string             `koanf:"secondary_metric"`
	Lamps           []string           `koanf:"lamps"`
	ComposeLamp     bool               `koanf:"compose_lamp"`
	RatingWeights   map[string]float64 `koanf:"rating_weights"`
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// QueueSize bounds the in-memory import queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of pipeline workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets how many import IDs are remembered.
	DedupeSize int `koanf:"dedupe_size"`

	// MaxListLimit caps GET /charts/{chartID}/pbs?limit.
	MaxListLimit int `koanf:"max_list_limit"`

	StoreDriver string `koanf:"store_driver"`
	PostgresDSN string `koanf:"postgres_dsn"`
	RedisAddr   string `koanf:"redis_addr"`
	RedisDB     int    `koanf:"redis_db"`
	RedisPrefix string `koanf:"redis_prefix"`

	// BuildConcurrency bounds concurrent PB builds within one run.
	BuildConcurrency int `koanf:"build_concurrency"`

	// RankConcurrency bounds concurrent chart recomputes within one run.
	RankConcurrency int `koanf:"rank_concurrency"`

	// RankWriteConcurrency bounds concurrent rank writes within one chart.
	RankWriteConcurrency int `koanf:"rank_write_concurrency"`

	// ProcessTimeoutMS bounds a single queued pipeline run.
	ProcessTimeoutMS int `koanf:"process_timeout_ms"`

	// Modes is layered over the built-in mode policies.
	Modes map[string]ModeConfig `koanf:"modes"`

	// MetricsEnabled turns Prometheus recording on or off.
	MetricsEnabled bool `koanf:"metrics_enabled"`

	// MetricsRefreshMS sets how often store and queue gauges are refreshed.
	MetricsRefreshMS int `koanf:"metrics_refresh_ms"`

	// MetricsBuckets overrides the latency histogram buckets, in milliseconds.
	MetricsBuckets []float64 `koanf:"metrics_buckets"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		Addr:                 ":9080",
		QueueSize:            10_000,
		WorkerCount:          runtime.NumCPU(),
		DedupeSize:           100_000,
		MaxListLimit:         500,
		StoreDriver:          DriverMemory,
		RedisAddr:            "localhost:6379",
		RedisPrefix:          "pbengine:",
		BuildConcurrency:     16,
		RankConcurrency:      8,
		RankWriteConcurrency: 8,
		ProcessTimeoutMS:     30_000,
		MetricsEnabled:       true,
		MetricsRefreshMS:     5_000,
	}
}
