package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"ecosentinel/models"
)

// Config holds all configuration for the ecosentinel backend service.
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	// Gemini configuration
	GeminiAPIKey string
	GeminiModel  string

	// Classifier gateway behavior
	ClassifierTimeout time.Duration
	ClassifierRetries int
	ClassifierBackoff time.Duration

	// Screening thresholds
	RateLimitCount        int
	RateLimitWindow       time.Duration
	DuplicateRadiusMeters float64
	DuplicateWindow       time.Duration

	// Reward policy
	PriorityAwardTable map[models.Priority]int64

	// Pipeline scheduling
	SweepInterval time.Duration
	QuotaCooldown time.Duration
	StaleAfter    time.Duration

	// RabbitMQ (optional; empty URL disables publishing)
	AMQPURL             string
	AMQPExchange        string
	AMQPResolvedRouting string

	// On-chain disbursement (optional; empty URL disables the job)
	EthNetworkURL     string
	EthPrivateKey     string
	ContractAddress   string
	DisburseInterval  time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "ecosentinel"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		// Gemini defaults
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		// Classifier gateway defaults
		ClassifierTimeout: getDurationEnv("CLASSIFIER_TIMEOUT", 30*time.Second),
		ClassifierRetries: getIntEnv("CLASSIFIER_MAX_RETRIES", 3),
		ClassifierBackoff: getDurationEnv("CLASSIFIER_RETRY_BACKOFF", 1*time.Second),

		// Screening defaults per product policy; all tunable
		RateLimitCount:        getIntEnv("RATE_LIMIT_COUNT", 5),
		RateLimitWindow:       getDurationEnv("RATE_LIMIT_WINDOW", time.Hour),
		DuplicateRadiusMeters: getFloatEnv("DUPLICATE_RADIUS_METERS", 25.0),
		DuplicateWindow:       getDurationEnv("DUPLICATE_WINDOW", 10*time.Minute),

		// Reward policy, e.g. PRIORITY_AWARD_TABLE="high=50,medium=20,low=5"
		PriorityAwardTable: getAwardTableEnv("PRIORITY_AWARD_TABLE"),

		// Pipeline scheduling defaults
		SweepInterval: getDurationEnv("SWEEP_INTERVAL", time.Minute),
		QuotaCooldown: getDurationEnv("QUOTA_COOLDOWN", 5*time.Minute),
		StaleAfter:    getDurationEnv("STALE_AFTER", 5*time.Minute),

		// RabbitMQ defaults
		AMQPURL:             getEnv("AMQP_URL", ""),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", "ecosentinel"),
		AMQPResolvedRouting: getEnv("AMQP_RESOLVED_ROUTING_KEY", "report.resolved"),

		// Disbursement defaults
		EthNetworkURL:    getEnv("ETH_NETWORK_URL", ""),
		EthPrivateKey:    getEnv("ETH_PRIVATE_KEY", ""),
		ContractAddress:  getEnv("ECO_CONTRACT_ADDRESS", ""),
		DisburseInterval: getDurationEnv("DISBURSE_INTERVAL", 24*time.Hour),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// DefaultAwardTable is the reward policy used when PRIORITY_AWARD_TABLE is
// unset or unparseable.
func DefaultAwardTable() map[models.Priority]int64 {
	return map[models.Priority]int64{
		models.PriorityHigh:   50,
		models.PriorityMedium: 20,
		models.PriorityLow:    5,
	}
}

// getAwardTableEnv parses a "high=50,medium=20,low=5" style mapping. Missing
// or malformed entries fall back to the defaults so the policy stays total.
func getAwardTableEnv(key string) map[models.Priority]int64 {
	table := DefaultAwardTable()
	value := os.Getenv(key)
	if value == "" {
		return table
	}
	for _, pair := range strings.Split(value, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		award, err := strconv.ParseInt(strings.TrimSpace(kv[1]), 10, 64)
		if err != nil || award < 0 {
			continue
		}
		switch models.Priority(strings.ToLower(strings.TrimSpace(kv[0]))) {
		case models.PriorityHigh:
			table[models.PriorityHigh] = award
		case models.PriorityMedium:
			table[models.PriorityMedium] = award
		case models.PriorityLow:
			table[models.PriorityLow] = award
		}
	}
	return table
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable or returns a default value.
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
