package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the settlement core service.
type Config struct {
	Port            string
	DatabaseURL     string
	Environment     string
	MockMode        bool
	APISecret       string
	TxTimeout       time.Duration
	SweepInterval   time.Duration
	SweepBatchSize  int
	SweepRate       float64
	SweepBurst      int
	DrainInterval   time.Duration
	DrainBatchSize  int
	WebhookURL      string
	WebhookSecret   string
	WebhookTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("SETTLE_PORT", "8080")
	dbURL := os.Getenv("SETTLE_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("SETTLE_DB_URL is required")
	}

	apiSecret := strings.TrimSpace(firstEnv("SETTLE_API_SECRET", "CORE_API_SECRET"))

	txTimeoutSeconds := parseIntEnv("SETTLE_TX_TIMEOUT_SECONDS", 5)
	if txTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_TX_TIMEOUT_SECONDS %d", txTimeoutSeconds)
	}

	sweepSeconds := parseIntEnv("SETTLE_EXPIRY_SWEEP_SECONDS", 30)
	if sweepSeconds <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_EXPIRY_SWEEP_SECONDS %d", sweepSeconds)
	}
	sweepBatch := parseIntEnv("SETTLE_EXPIRY_BATCH_SIZE", 100)
	if sweepBatch <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_EXPIRY_BATCH_SIZE %d", sweepBatch)
	}
	sweepRate := parseIntEnv("SETTLE_EXPIRY_RATE_PER_SECOND", 20)
	if sweepRate <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_EXPIRY_RATE_PER_SECOND %d", sweepRate)
	}
	sweepBurst := parseIntEnv("SETTLE_EXPIRY_BURST", 5)
	if sweepBurst <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_EXPIRY_BURST %d", sweepBurst)
	}

	drainSeconds := parseIntEnv("SETTLE_OUTBOX_DRAIN_SECONDS", 2)
	if drainSeconds <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_OUTBOX_DRAIN_SECONDS %d", drainSeconds)
	}
	drainBatch := parseIntEnv("SETTLE_OUTBOX_BATCH_SIZE", 50)
	if drainBatch <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_OUTBOX_BATCH_SIZE %d", drainBatch)
	}

	webhookURL := strings.TrimSpace(os.Getenv("SETTLE_WEBHOOK_URL"))
	webhookSecret := strings.TrimSpace(os.Getenv("SETTLE_WEBHOOK_SECRET"))
	webhookTimeout := parseIntEnv("SETTLE_WEBHOOK_TIMEOUT_SECONDS", 10)
	if webhookTimeout <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_WEBHOOK_TIMEOUT_SECONDS %d", webhookTimeout)
	}

	shutdownSeconds := parseIntEnv("SETTLE_SHUTDOWN_TIMEOUT_SECONDS", 15)
	if shutdownSeconds <= 0 {
		return nil, fmt.Errorf("invalid SETTLE_SHUTDOWN_TIMEOUT_SECONDS %d", shutdownSeconds)
	}

	return &Config{
		Port:            normalizePort(port),
		DatabaseURL:     dbURL,
		Environment:     getEnvDefault("SETTLE_ENV", "development"),
		MockMode:        parseBoolEnv("SETTLE_MOCK_MODE", parseBoolEnv("MOCK_MODE", true)),
		APISecret:       apiSecret,
		TxTimeout:       time.Duration(txTimeoutSeconds) * time.Second,
		SweepInterval:   time.Duration(sweepSeconds) * time.Second,
		SweepBatchSize:  sweepBatch,
		SweepRate:       float64(sweepRate),
		SweepBurst:      sweepBurst,
		DrainInterval:   time.Duration(drainSeconds) * time.Second,
		DrainBatchSize:  drainBatch,
		WebhookURL:      webhookURL,
		WebhookSecret:   webhookSecret,
		WebhookTimeout:  time.Duration(webhookTimeout) * time.Second,
		ShutdownTimeout: time.Duration(shutdownSeconds) * time.Second,
	}, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
