package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	// Management API.
	AdminAPIURL     string
	AdminServiceKey string

	// Shared infrastructure. Empty values fall back to in-memory backends.
	RedisURL    string
	DatabaseURL string

	// Billing.
	StripeSecretKey string

	// AWS integrations. Empty values disable the integration.
	AWSRegion          string
	UsageQueueURL      string
	NotificationsTopic string
	SecretsName        string

	// Observability.
	OTLPEndpoint string

	// Origin dispatch.
	OriginTimeout time.Duration

	// Graceful shutdown.
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		AdminAPIURL:        getEnv("ADMIN_API_URL", "http://localhost:3001"),
		AdminServiceKey:    getEnv("ADMIN_SERVICE_KEY", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		StripeSecretKey:    getEnv("STRIPE_SECRET_KEY", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		UsageQueueURL:      getEnv("USAGE_QUEUE_URL", ""),
		NotificationsTopic: getEnv("NOTIFICATIONS_TOPIC_ARN", ""),
		SecretsName:        getEnv("SECRETS_NAME", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		OriginTimeout:      getDurationEnv("ORIGIN_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:       getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
