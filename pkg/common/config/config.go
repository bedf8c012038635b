package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int

	// Identity vault (local only)
	VaultDriver     string
	VaultSQLitePath string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Sessions
	SessionBackend       string
	SessionTimeout       time.Duration
	SessionSweepInterval time.Duration
	SessionHistoryLimit  int
	SessionLockTimeout   time.Duration

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	EventsEnabled      bool
	KafkaBrokers       []string
	KafkaGroupID       string
	KafkaDispatchTopic string

	// Local extraction model (trusted boundary)
	ExtractorBaseURL string
	ExtractorModel   string

	// Cloud planning/execution model (pseudonymous data only)
	CloudLLMBaseURL      string
	CloudLLMAPIKey       string
	CloudLLMModel        string
	CloudLLMTokenURL     string
	CloudLLMClientID     string
	CloudLLMClientSecret string

	LLMTimeout time.Duration
	LLMRetries int

	// Policy
	PolicyFile       string
	PrivacyRulesFile string

	// Compliance
	ComplianceCheckInterval time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8000"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 90*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 40),

		VaultDriver:     strings.ToLower(getEnv("VAULT_DRIVER", "sqlite")),
		VaultSQLitePath: getEnv("VAULT_SQLITE_PATH", "data/identity_vault.db"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "medshield"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "medshield"),
		PostgresDB:       getEnv("POSTGRES_DB", "medshield"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		SessionBackend:       strings.ToLower(getEnv("SESSION_BACKEND", "memory")),
		SessionTimeout:       getDuration("SESSION_TIMEOUT", 30*time.Minute),
		SessionSweepInterval: getDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		SessionHistoryLimit:  getIntEnv("SESSION_HISTORY_LIMIT", 50),
		SessionLockTimeout:   getDuration("SESSION_LOCK_TIMEOUT", 2*time.Minute),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		EventsEnabled:      getBoolEnv("EVENTS_ENABLED", false),
		KafkaBrokers:       getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "medshield-compliance"),
		KafkaDispatchTopic: getEnv("KAFKA_DISPATCH_TOPIC", "medshield-dispatch-events"),

		ExtractorBaseURL: getEnv("EXTRACTOR_BASE_URL", ""),
		ExtractorModel:   getEnv("EXTRACTOR_MODEL", "llama3.1"),

		CloudLLMBaseURL:      getEnv("CLOUD_LLM_BASE_URL", ""),
		CloudLLMAPIKey:       getEnv("CLOUD_LLM_API_KEY", ""),
		CloudLLMModel:        getEnv("CLOUD_LLM_MODEL", "llama-3.3-70b-versatile"),
		CloudLLMTokenURL:     getEnv("CLOUD_LLM_TOKEN_URL", ""),
		CloudLLMClientID:     getEnv("CLOUD_LLM_CLIENT_ID", ""),
		CloudLLMClientSecret: getEnv("CLOUD_LLM_CLIENT_SECRET", ""),

		LLMTimeout: getDuration("LLM_TIMEOUT", 30*time.Second),
		LLMRetries: getIntEnv("LLM_RETRIES", 2),

		PolicyFile:       getEnv("POLICY_FILE", ""),
		PrivacyRulesFile: getEnv("PRIVACY_RULES_FILE", ""),

		ComplianceCheckInterval: getDuration("COMPLIANCE_CHECK_INTERVAL", 5*time.Minute),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
