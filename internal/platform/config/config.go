package config

import (
	"os"
	"strconv"
	"time"
)

// Config gathers the operational knobs for the sync engine. Everything comes
// from the environment with defaults matching the appliance deployment, so
// main stays lean.
type Config struct {
	// Ops HTTP surface (health, status, metrics).
	OpsAddr string

	// Local punch store. One of: "memory", "sqlite", "postgres".
	StoreDriver string
	PostgresDSN string
	SQLitePath  string

	// Remote biometric API.
	RemoteBaseURL      string
	RemoteUsername     string
	RemotePassword     string
	RemoteTimeout      time.Duration
	RemoteInsecureTLS  bool
	RemoteRatePerSec   float64
	StrictRemoteErrors bool

	// Incremental puller.
	PollInterval time.Duration
	PageSize     int

	// Daily reconciliation.
	ReconcileInterval     time.Duration
	DaysToCheck           int
	CompletenessThreshold float64
	Timezone              string

	// Aggregate gap detection.
	DetectInterval time.Duration
	CacheValidity  time.Duration

	// Remote count cache backend: empty for in-process, or a redis URL when
	// several replicas should share observations.
	RedisURL string

	// Optional Kafka bridge for the event channel.
	KafkaBrokers string
	KafkaTopic   string
}

// FromEnv builds the configuration from environment variables.
func FromEnv() Config {
	return Config{
		OpsAddr: envString("PUNCHSYNC_OPS_ADDR", ":9370"),

		StoreDriver: envString("PUNCHSYNC_STORE", "memory"),
		PostgresDSN: os.Getenv("PUNCHSYNC_POSTGRES_DSN"),
		SQLitePath:  envString("PUNCHSYNC_SQLITE_PATH", "punchsync.db"),

		RemoteBaseURL:      os.Getenv("PUNCHSYNC_REMOTE_URL"),
		RemoteUsername:     os.Getenv("PUNCHSYNC_REMOTE_USER"),
		RemotePassword:     os.Getenv("PUNCHSYNC_REMOTE_PASSWORD"),
		RemoteTimeout:      envDuration("PUNCHSYNC_REMOTE_TIMEOUT", 12*time.Second),
		RemoteInsecureTLS:  envBool("PUNCHSYNC_REMOTE_INSECURE_TLS", true),
		RemoteRatePerSec:   envFloat("PUNCHSYNC_REMOTE_RATE", 4),
		StrictRemoteErrors: envBool("PUNCHSYNC_STRICT_REMOTE_ERRORS", false),

		PollInterval: envDuration("PUNCHSYNC_POLL_INTERVAL", 30*time.Second),
		PageSize:     envInt("PUNCHSYNC_PAGE_SIZE", 200),

		ReconcileInterval:     envDuration("PUNCHSYNC_RECONCILE_INTERVAL", time.Hour),
		DaysToCheck:           envInt("PUNCHSYNC_DAYS_TO_CHECK", 7),
		CompletenessThreshold: envFloat("PUNCHSYNC_COMPLETENESS_THRESHOLD", 0.95),
		Timezone:              envString("PUNCHSYNC_TIMEZONE", "Local"),

		DetectInterval: envDuration("PUNCHSYNC_DETECT_INTERVAL", 10*time.Minute),
		CacheValidity:  envDuration("PUNCHSYNC_CACHE_VALIDITY", 5*time.Minute),

		RedisURL: os.Getenv("PUNCHSYNC_REDIS_URL"),

		KafkaBrokers: os.Getenv("PUNCHSYNC_KAFKA_BROKERS"),
		KafkaTopic:   envString("PUNCHSYNC_KAFKA_TOPIC", "punchsync.events"),
	}
}

// Location resolves the canonical timezone, falling back to the system local
// zone when the name does not resolve. Daily reconciliation boundaries depend
// on this.
func (c Config) Location() *time.Location {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
