// Package config centralises configuration parsing for the ridesync binaries.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration for every binary. Each binary reads
// the fields it needs.
type Config struct {
	HTTPAddress string
	LogFile     string
	LogMaxSize  int // Megabytes before the log file is rotated.

	// Cloud record store.
	PostgresURL string // Empty selects the in-memory store.
	JWTSecret   string
	JWTIssuer   string

	// Primary device.
	CloudURL        string
	CloudToken      string
	DatabasePath    string
	OwnerID         string
	DeviceID        string // Actor id stamped on local edits.
	SpaceID         string
	SyncInterval    time.Duration
	SyncConcurrency int
	CallTimeout     time.Duration
	KafkaBrokers    []string // Empty logs events instead of producing them.
	PresetsFile     string

	// Companion device.
	QueuePath        string
	CommandQueuePath string // Control commands awaiting the primary's ack.
	RelayURL         string
	AckTimeout       time.Duration
	MaxAttempts      int
	FlushInterval    time.Duration
	RetryBackoff     time.Duration
}

// Load reads environment variables into Config, applying defaults for local dev.
func Load() Config {
	cfg := Config{
		HTTPAddress: getEnv("HTTP_ADDRESS", ":8080"),
		LogFile:     getEnv("LOG_FILE", ""),
		LogMaxSize:  getIntEnv("LOG_MAX_SIZE_MB", 10),

		PostgresURL: getEnv("POSTGRES_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTIssuer:   getEnv("JWT_ISSUER", "ridesync.cloud"),

		CloudURL:        getEnv("CLOUD_URL", "http://localhost:8080"),
		CloudToken:      getEnv("CLOUD_TOKEN", ""),
		DatabasePath:    getEnv("DATABASE_PATH", "ridesync.db"),
		OwnerID:         getEnv("OWNER_ID", "athlete"),
		DeviceID:        getEnv("DEVICE_ID", "primary"),
		SpaceID:         getEnv("SPACE_ID", "family"),
		SyncInterval:    getDurationEnv("SYNC_INTERVAL", 5*time.Minute),
		SyncConcurrency: getIntEnv("SYNC_CONCURRENCY", 4),
		CallTimeout:     getDurationEnv("CALL_TIMEOUT", 20*time.Second),
		PresetsFile:     getEnv("PRESETS_FILE", ""),

		QueuePath:        getEnv("QUEUE_PATH", "pending_sessions.json"),
		CommandQueuePath: getEnv("COMMAND_QUEUE_PATH", "pending_commands.json"),
		RelayURL:         getEnv("RELAY_URL", "ws://localhost:8081/relay"),
		AckTimeout:       getDurationEnv("ACK_TIMEOUT", 30*time.Second),
		MaxAttempts:      getIntEnv("MAX_ATTEMPTS", 10),
		FlushInterval:    getDurationEnv("FLUSH_INTERVAL", time.Minute),
		RetryBackoff:     getDurationEnv("RETRY_BACKOFF", 30*time.Second),
	}

	cfg.KafkaBrokers = splitAndTrim(getEnv("KAFKA_BROKERS", ""))
	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
