// Package config loads server configuration from the environment plus
// an optional YAML tuning profile for the evaluation parameters.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseDriver is "sqlite" or "postgres"; DatabaseURL is the DSN.
	DatabaseDriver string
	DatabaseURL    string

	PolicyDir      string
	DescriptorPath string
	ProfilePath    string

	RedisAddr     string // empty disables the distributed rate limiter
	RedisPassword string
	RedisDB       int

	RateLimitRPM   int
	RateLimitBurst int

	ArchiveBucket   string // empty disables S3 session archival
	ArchivePrefix   string
	ArchiveRegion   string
	ArchiveEndpoint string // custom S3 endpoint (MinIO, LocalStack)

	ApprovalTimeout time.Duration

	OTLPEndpoint string
	OTelEnabled  bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		DatabaseDriver:  getenv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:     getenv("DATABASE_URL", "file:tollgate.db?_pragma=journal_mode(WAL)"),
		PolicyDir:       getenv("POLICY_DIR", "policies"),
		DescriptorPath:  getenv("TOOL_DESCRIPTORS", "descriptors.json"),
		ProfilePath:     os.Getenv("TUNING_PROFILE"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getint("REDIS_DB", 0),
		RateLimitRPM:    getint("RATE_LIMIT_RPM", 300),
		RateLimitBurst:  getint("RATE_LIMIT_BURST", 50),
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:   getenv("ARCHIVE_PREFIX", "sessions/"),
		ArchiveRegion:   getenv("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint: os.Getenv("ARCHIVE_ENDPOINT"),
		ApprovalTimeout: getduration("APPROVAL_TIMEOUT", 5*time.Minute),
		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:     os.Getenv("OTEL_ENABLED") == "true",
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
