// Package config provides configuration management for the work-time compliance service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Kafka      KafkaConfig
	Compliance ComplianceConfig
	Tracker    TrackerConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration tool
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// An empty Host disables the compliance audit sink.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// KafkaConfig holds account event publishing configuration.
// No brokers means events are dropped.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ComplianceConfig holds the work-time policy
type ComplianceConfig struct {
	TargetMinutes     float64
	GraceWindow       time.Duration
	FailureThreshold  int
	AtRiskThreshold   int
	ReactivationFee   decimal.Decimal
	CheckHour         int
	UserCheckTimeout  time.Duration
	NotifyConcurrency int
	Location          *time.Location
	SweepLockTTL      time.Duration
	// StatusCacheTTL bounds how long a suspension status is served from Redis. Zero disables the cache.
	StatusCacheTTL time.Duration
}

// TrackerConfig holds checkpoint settings for the work-time tracker
type TrackerConfig struct {
	CheckpointTimeout time.Duration
	BreakerFailures   int
	BreakerCooldown   time.Duration
}

// RateLimitConfig holds heartbeat rate limiting configuration
type RateLimitConfig struct {
	HeartbeatRPS   float64
	HeartbeatBurst int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	location, err := time.LoadLocation(getEnv("COMPLIANCE_TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid COMPLIANCE_TIMEZONE: %w", err)
	}

	fee, err := decimal.NewFromString(getEnv("REACTIVATION_FEE", "49.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid REACTIVATION_FEE: %w", err)
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "task_rewards"),
				User:           getEnv("POSTGRES_USER", "rewards"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "task_rewards"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_ACCOUNT_EVENTS_TOPIC", "account-events"),
		},
		Compliance: ComplianceConfig{
			TargetMinutes:     getEnvAsFloat("COMPLIANCE_TARGET_MINUTES", 480),
			GraceWindow:       getEnvAsDuration("COMPLIANCE_GRACE_WINDOW", 5*time.Minute),
			FailureThreshold:  getEnvAsInt("COMPLIANCE_FAILURE_THRESHOLD", 3),
			AtRiskThreshold:   getEnvAsInt("COMPLIANCE_AT_RISK_THRESHOLD", 2),
			ReactivationFee:   fee,
			CheckHour:         getEnvAsInt("COMPLIANCE_CHECK_HOUR", 23),
			UserCheckTimeout:  getEnvAsDuration("COMPLIANCE_USER_TIMEOUT", 5*time.Second),
			NotifyConcurrency: getEnvAsInt("COMPLIANCE_NOTIFY_CONCURRENCY", 8),
			Location:          location,
			SweepLockTTL:      getEnvAsDuration("COMPLIANCE_SWEEP_LOCK_TTL", 30*time.Minute),
			StatusCacheTTL:    getEnvAsDuration("COMPLIANCE_STATUS_CACHE_TTL", 30*time.Second),
		},
		Tracker: TrackerConfig{
			CheckpointTimeout: getEnvAsDuration("TRACKER_CHECKPOINT_TIMEOUT", 3*time.Second),
			BreakerFailures:   getEnvAsInt("TRACKER_BREAKER_FAILURES", 5),
			BreakerCooldown:   getEnvAsDuration("TRACKER_BREAKER_COOLDOWN", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			HeartbeatRPS:   getEnvAsFloat("RATE_LIMIT_HEARTBEAT_RPS", 0.2),
			HeartbeatBurst: getEnvAsInt("RATE_LIMIT_HEARTBEAT_BURST", 3),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the compliance policy for values that would break the engine
func (c *Config) Validate() error {
	p := c.Compliance
	if p.TargetMinutes <= 0 {
		return fmt.Errorf("COMPLIANCE_TARGET_MINUTES must be positive, got %v", p.TargetMinutes)
	}
	if p.FailureThreshold < 1 {
		return fmt.Errorf("COMPLIANCE_FAILURE_THRESHOLD must be at least 1, got %d", p.FailureThreshold)
	}
	if p.AtRiskThreshold < 1 || p.AtRiskThreshold >= p.FailureThreshold {
		return fmt.Errorf("COMPLIANCE_AT_RISK_THRESHOLD must be in [1, %d), got %d", p.FailureThreshold, p.AtRiskThreshold)
	}
	if p.CheckHour < 0 || p.CheckHour > 23 {
		return fmt.Errorf("COMPLIANCE_CHECK_HOUR must be in [0, 23], got %d", p.CheckHour)
	}
	if p.ReactivationFee.IsNegative() {
		return fmt.Errorf("REACTIVATION_FEE cannot be negative")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
