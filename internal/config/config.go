// Package config loads process configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/muaviaUsmani/duebook/internal/logger"
)

// Config holds the configuration shared by the duebook binaries
type Config struct {
	// DBDriver selects the store dialect: sqlite or mysql
	DBDriver string
	// DatabaseURL is the sqlite file path or the mysql DSN
	DatabaseURL string
	// RedisURL enables delivery leases and failure alerts when set
	RedisURL string
	// APIPort is the port the API server listens on
	APIPort string
	// AllowedOrigins restricts CORS on the API; empty allows all
	AllowedOrigins []string
	// ClaimTTL is how long an in-flight confirmation keeps a reminder claimed
	ClaimTTL time.Duration
	// PostingTimeout bounds each call to the expense API
	PostingTimeout time.Duration
	// DefaultSnooze is used when a snooze carries no explicit instant
	DefaultSnooze time.Duration
	// DefaultTimezone applies to owners without a directory entry
	DefaultTimezone string
	// FinanceAPIURL is the base URL of the expense and FX service
	FinanceAPIURL   string
	FinanceAPIToken string
	// TelegramToken enables the telegram channel when set
	TelegramToken string
	// NotifyWebhookURL enables the webhook channel when set
	NotifyWebhookURL   string
	NotifyWebhookToken string
	// NotifyRatePerSec caps outgoing notifications per second
	NotifyRatePerSec float64
	// DisplayCurrency converts reminder amounts for display when set
	DisplayCurrency string
	// Logging configuration
	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// A .env file (or the file named by ENV_FILE) is read first when present;
// variables already set in the environment win.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{
		DBDriver:           strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DatabaseURL:        getEnv("DATABASE_URL", "duebook.db"),
		RedisURL:           getEnv("REDIS_URL", ""),
		APIPort:            getEnv("API_PORT", "8080"),
		AllowedOrigins:     getEnvAsList("API_ALLOWED_ORIGINS"),
		ClaimTTL:           getEnvAsDuration("CLAIM_TTL", 2*time.Minute),
		PostingTimeout:     getEnvAsDuration("POSTING_TIMEOUT", 10*time.Second),
		DefaultSnooze:      getEnvAsDuration("DEFAULT_SNOOZE", time.Hour),
		DefaultTimezone:    getEnv("DEFAULT_TIMEZONE", "UTC"),
		FinanceAPIURL:      getEnv("FINANCE_API_URL", ""),
		FinanceAPIToken:    getEnv("FINANCE_API_TOKEN", ""),
		TelegramToken:      getEnv("TELEGRAM_TOKEN", ""),
		NotifyWebhookURL:   getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookToken: getEnv("NOTIFY_WEBHOOK_TOKEN", ""),
		NotifyRatePerSec:   getEnvAsFloat("NOTIFY_RATE_PER_SEC", 20),
		DisplayCurrency:    strings.ToUpper(getEnv("DISPLAY_CURRENCY", "")),
		Logging:            loadLoggingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the shared configuration
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or mysql (got %q)", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	if c.APIPort == "" {
		return fmt.Errorf("API_PORT cannot be empty")
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("CLAIM_TTL must be positive")
	}
	if c.PostingTimeout <= 0 {
		return fmt.Errorf("POSTING_TIMEOUT must be positive")
	}
	if c.ClaimTTL <= c.PostingTimeout {
		return fmt.Errorf("CLAIM_TTL (%s) must exceed POSTING_TIMEOUT (%s)", c.ClaimTTL, c.PostingTimeout)
	}
	if c.DefaultSnooze <= 0 {
		return fmt.Errorf("DEFAULT_SNOOZE must be positive")
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE is invalid: %w", err)
	}
	if c.NotifyRatePerSec <= 0 {
		return fmt.Errorf("NOTIFY_RATE_PER_SEC must be positive")
	}
	if c.DisplayCurrency != "" && len(c.DisplayCurrency) != 3 {
		return fmt.Errorf("DISPLAY_CURRENCY must be a 3-letter code (got %q)", c.DisplayCurrency)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return nil
}

func loadDotEnv() error {
	path := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated environment variable, dropping empty items
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/duebook/duebook.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}
