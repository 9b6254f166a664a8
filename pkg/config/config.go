// Package config loads runtime configuration from environment variables
// and worker profiles from YAML files.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds CLI and dispatcher configuration.
type Config struct {
	LogLevel        string
	StoreDriver     string // "memory" | "sqlite" | "postgres" | "redis"
	StorePath       string // sqlite file path
	DatabaseURL     string // postgres DSN
	RedisAddr       string
	MaxConcurrency  int
	GracePeriod     time.Duration
	ApprovalTimeout time.Duration
	EvidenceDir     string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	OTLPEndpoint    string
	Telemetry       bool
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	logLevel := os.Getenv("TILLER_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("TILLER_STORE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	storePath := os.Getenv("TILLER_STORE_PATH")
	if storePath == "" {
		storePath = "tiller.db"
	}

	dbURL := os.Getenv("TILLER_DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://tiller@localhost:5432/tiller?sslmode=disable"
	}

	redisAddr := os.Getenv("TILLER_REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	evidenceDir := os.Getenv("TILLER_EVIDENCE_DIR")
	if evidenceDir == "" {
		evidenceDir = "evidence"
	}

	return &Config{
		LogLevel:        logLevel,
		StoreDriver:     driver,
		StorePath:       storePath,
		DatabaseURL:     dbURL,
		RedisAddr:       redisAddr,
		MaxConcurrency:  envInt("TILLER_MAX_CONCURRENCY", 4),
		GracePeriod:     envDuration("TILLER_GRACE_PERIOD", 30*time.Second),
		ApprovalTimeout: envDuration("TILLER_APPROVAL_TIMEOUT", 300*time.Second),
		EvidenceDir:     evidenceDir,
		S3Bucket:        os.Getenv("TILLER_S3_BUCKET"),
		S3Region:        os.Getenv("TILLER_S3_REGION"),
		S3Endpoint:      os.Getenv("TILLER_S3_ENDPOINT"),
		OTLPEndpoint:    os.Getenv("TILLER_OTLP_ENDPOINT"),
		Telemetry:       os.Getenv("TILLER_TELEMETRY") == "true",
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
