package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	StorageBackend string
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool
	AuthJWTSecret  string
	RateLimitRPS   float64
	RateLimitBurst int

	// Scheduling rules
	PendingTTL            time.Duration
	WaitlistWindow        time.Duration
	DefaultThresholdHours int
	DefaultCapacity       int
	PolicyCacheTTL        time.Duration

	// Expiry sweeper
	SweepInterval  time.Duration
	SweepSchedule  string
	SweepBatchSize int

	// Penalty ledger
	LedgerBaseURL string
	LedgerTimeout time.Duration

	// Outbox relay
	OutboxTransport string
	OutboxInterval  time.Duration
	OutboxBatchSize int
	OutboxClaimTTL  time.Duration
	NotifyQueueURL  string
	KafkaBrokers    []string
	KafkaTopic      string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		StorageBackend: strings.ToLower(strings.TrimSpace(getEnv("STORAGE_BACKEND", "postgres"))),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisAddr:      getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),
		AuthJWTSecret:  getEnv("AUTH_JWT_SECRET", ""),
		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 40),

		PendingTTL:            getEnvAsDuration("PENDING_TTL", 24*time.Hour),
		WaitlistWindow:        getEnvAsDuration("WAITLIST_WINDOW", 30*time.Minute),
		DefaultThresholdHours: getEnvAsInt("DEFAULT_THRESHOLD_HOURS", 24),
		DefaultCapacity:       getEnvAsInt("DEFAULT_CAPACITY", 1),
		PolicyCacheTTL:        getEnvAsDuration("POLICY_CACHE_TTL", 5*time.Minute),

		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		SweepSchedule:  strings.TrimSpace(getEnv("SWEEP_SCHEDULE", "")),
		SweepBatchSize: getEnvAsInt("SWEEP_BATCH_SIZE", 100),

		LedgerBaseURL: getEnv("LEDGER_BASE_URL", ""),
		LedgerTimeout: getEnvAsDuration("LEDGER_TIMEOUT", 5*time.Second),

		OutboxTransport: strings.ToLower(strings.TrimSpace(getEnv("OUTBOX_TRANSPORT", "log"))),
		OutboxInterval:  getEnvAsDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize: getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
		OutboxClaimTTL:  getEnvAsDuration("OUTBOX_CLAIM_TTL", time.Minute),
		NotifyQueueURL:  getEnv("NOTIFY_QUEUE_URL", ""),
		KafkaBrokers:    getEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "slotkeeper.events"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// UseMemoryStorage reports whether the in-process stores are selected.
func (c *Config) UseMemoryStorage() bool {
	return c.StorageBackend == "memory" || strings.TrimSpace(c.DatabaseURL) == ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
