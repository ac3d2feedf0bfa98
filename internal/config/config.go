// Package config provides configuration management for the waitlist service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig
	Analytics AnalyticsConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            string
	Host            string
	AllowedOrigin   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	URL            string
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ConnString returns the pgx connection string
func (c PostgresConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database,
	)
}

// RedisConfig holds the shared counter store endpoint.
// The shared store is used only when both URL and Token are set.
type RedisConfig struct {
	URL            string
	Token          string
	MaxConnections int
}

// Enabled reports whether the shared counter store is configured
func (c RedisConfig) Enabled() bool {
	return c.URL != "" && c.Token != ""
}

// RateLimitConfig holds per endpoint class budgets
type RateLimitConfig struct {
	UserSyncLimit         int
	ReferralValidateLimit int
	DefaultLimit          int
	Window                time.Duration
	SweepEvery            int
	SweepInterval         time.Duration
	KeyPrefix             string
}

// AuthConfig holds session verification settings
type AuthConfig struct {
	JWTSecret  string
	Audience   string
	CookieName string
}

// AnalyticsConfig holds the ClickHouse admission analytics sink configuration
type AnalyticsConfig struct {
	Enabled       bool
	Host          string
	Port          string
	Database      string
	User          string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigin:   getEnv("CORS_ALLOWED_ORIGIN", "*"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				URL:            getEnv("DATABASE_URL", ""),
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "waitlist"),
				User:           getEnv("POSTGRES_USER", "waitlist"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
		},
		Redis: RedisConfig{
			URL:            getEnv("REDIS_URL", ""),
			Token:          getEnv("REDIS_TOKEN", ""),
			MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
		},
		RateLimit: RateLimitConfig{
			UserSyncLimit:         getEnvAsInt("RATE_LIMIT_USER_SYNC_LIMIT", 5),
			ReferralValidateLimit: getEnvAsInt("RATE_LIMIT_REFERRAL_VALIDATE_LIMIT", 10),
			DefaultLimit:          getEnvAsInt("RATE_LIMIT_DEFAULT_LIMIT", 60),
			Window:                getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			SweepEvery:            getEnvAsInt("RATE_LIMIT_SWEEP_EVERY", 100),
			SweepInterval:         getEnvAsDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
			KeyPrefix:             getEnv("RATE_LIMIT_KEY_PREFIX", "ratelimit"),
		},
		Auth: AuthConfig{
			JWTSecret:  getEnv("SUPABASE_JWT_SECRET", ""),
			Audience:   getEnv("SUPABASE_JWT_AUDIENCE", "authenticated"),
			CookieName: getEnv("AUTH_COOKIE_NAME", "sb-access-token"),
		},
		Analytics: AnalyticsConfig{
			Enabled:       getEnvAsBool("ANALYTICS_ENABLED", false),
			Host:          getEnv("CLICKHOUSE_HOST", "localhost"),
			Port:          getEnv("CLICKHOUSE_PORT", "9000"),
			Database:      getEnv("CLICKHOUSE_DB", "waitlist"),
			User:          getEnv("CLICKHOUSE_USER", "default"),
			Password:      getEnv("CLICKHOUSE_PASSWORD", ""),
			BatchSize:     getEnvAsInt("ANALYTICS_BATCH_SIZE", 500),
			FlushInterval: getEnvAsDuration("ANALYTICS_FLUSH_INTERVAL", 5*time.Second),
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

// Validate checks values that cannot fall back to a default
func (c *Config) Validate() error {
	limits := map[string]int{
		"RATE_LIMIT_USER_SYNC_LIMIT":         c.RateLimit.UserSyncLimit,
		"RATE_LIMIT_REFERRAL_VALIDATE_LIMIT": c.RateLimit.ReferralValidateLimit,
		"RATE_LIMIT_DEFAULT_LIMIT":           c.RateLimit.DefaultLimit,
	}
	for name, v := range limits {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
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

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
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
