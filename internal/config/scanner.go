package config

import (
	"fmt"
	"time"

	"github.com/muaviaUsmani/duebook/internal/task"
)

// ScannerConfig holds the due scanner's configuration
type ScannerConfig struct {
	// Enabled runs the scan loop; disable to run delivery elsewhere
	Enabled bool

	// Interval is how often the scanner ticks.
	// Default: 1 minute
	Interval time.Duration

	// BatchSize bounds deliverable reminders handled per tick
	BatchSize int

	// MaxDeliveryAttempts is the retry bound before a reminder is marked
	// sent with DeliveryFailed
	MaxDeliveryAttempts int

	// LeaseTTL is how long one scanner owns a reminder's delivery
	LeaseTTL time.Duration

	// DefaultCatchUp applies to tasks created without an explicit policy
	DefaultCatchUp task.CatchUpPolicy

	// DefaultMaxBackfill bounds the periods reconciled per task per run
	DefaultMaxBackfill int
}

// LoadScannerConfig loads scanner configuration from environment variables
func LoadScannerConfig() (*ScannerConfig, error) {
	cfg := &ScannerConfig{
		Enabled:             getEnvAsBool("SCANNER_ENABLED", true),
		Interval:            getEnvAsDuration("SCAN_INTERVAL", time.Minute),
		BatchSize:           getEnvAsInt("SCAN_BATCH_SIZE", 100),
		MaxDeliveryAttempts: getEnvAsInt("DELIVERY_MAX_ATTEMPTS", 5),
		LeaseTTL:            getEnvAsDuration("LEASE_TTL", 30*time.Second),
		DefaultCatchUp:      task.CatchUpPolicy(getEnv("DEFAULT_CATCH_UP", string(task.CatchUpSkipForward))),
		DefaultMaxBackfill:  getEnvAsInt("DEFAULT_MAX_BACKFILL", 12),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the scanner configuration is valid
func (c *ScannerConfig) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("scan interval must be at least 1s (got %s)", c.Interval)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("scan batch size must be at least 1 (got %d)", c.BatchSize)
	}
	if c.BatchSize > 10000 {
		return fmt.Errorf("scan batch size too high: %d (maximum 10000)", c.BatchSize)
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("delivery max attempts must be at least 1 (got %d)", c.MaxDeliveryAttempts)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be positive")
	}
	if !c.DefaultCatchUp.Valid() {
		return fmt.Errorf("invalid catch-up policy: %s (must be skip_forward or backfill)", c.DefaultCatchUp)
	}
	if c.DefaultMaxBackfill < 1 {
		return fmt.Errorf("max backfill must be at least 1 (got %d)", c.DefaultMaxBackfill)
	}
	return nil
}
