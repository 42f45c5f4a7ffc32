package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/muaviaUsmani/duebook/internal/task"
)

// isolate points ENV_FILE at a missing file so a developer .env never leaks in
func isolate(t *testing.T) {
	t.Helper()
	os.Clearenv()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.DBDriver != "sqlite" {
		t.Errorf("Expected DBDriver=sqlite, got %s", cfg.DBDriver)
	}
	if cfg.DatabaseURL != "duebook.db" {
		t.Errorf("Expected DatabaseURL=duebook.db, got %s", cfg.DatabaseURL)
	}
	if cfg.RedisURL != "" {
		t.Errorf("Expected empty RedisURL, got %s", cfg.RedisURL)
	}
	if cfg.ClaimTTL != 2*time.Minute {
		t.Errorf("Expected ClaimTTL=2m, got %s", cfg.ClaimTTL)
	}
	if cfg.PostingTimeout != 10*time.Second {
		t.Errorf("Expected PostingTimeout=10s, got %s", cfg.PostingTimeout)
	}
	if cfg.NotifyRatePerSec != 20 {
		t.Errorf("Expected NotifyRatePerSec=20, got %v", cfg.NotifyRatePerSec)
	}
	if cfg.Logging == nil {
		t.Fatal("Expected logging config")
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("DATABASE_URL", "user:pass@tcp(localhost:3306)/duebook?parseTime=true")
	t.Setenv("POSTING_TIMEOUT", "5s")
	t.Setenv("DISPLAY_CURRENCY", "usd")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("API_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.DBDriver != "mysql" {
		t.Errorf("Expected DBDriver=mysql, got %s", cfg.DBDriver)
	}
	if cfg.PostingTimeout != 5*time.Second {
		t.Errorf("Expected PostingTimeout=5s, got %s", cfg.PostingTimeout)
	}
	if cfg.DisplayCurrency != "USD" {
		t.Errorf("Expected DisplayCurrency=USD, got %s", cfg.DisplayCurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Expected 2 allowed origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadConfig_DotEnvFile(t *testing.T) {
	os.Clearenv()
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("API_PORT=9191\nDEFAULT_TIMEZONE=Asia/Shanghai\n"), 0o600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("API_PORT", "7070") // process env wins over the file

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.APIPort != "7070" {
		t.Errorf("Expected APIPort=7070, got %s", cfg.APIPort)
	}
	if cfg.DefaultTimezone != "Asia/Shanghai" {
		t.Errorf("Expected DefaultTimezone from file, got %s", cfg.DefaultTimezone)
	}
	os.Unsetenv("DEFAULT_TIMEZONE")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "DB_DRIVER", "postgres"},
		{"bad timezone", "DEFAULT_TIMEZONE", "Mars/Olympus"},
		{"claim shorter than posting", "CLAIM_TTL", "5s"},
		{"bad currency", "DISPLAY_CURRENCY", "EURO"},
		{"bad log level", "LOG_LEVEL", "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.key, tt.val)

			if _, err := LoadConfig(); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestLoadScannerConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadScannerConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if !cfg.Enabled {
		t.Error("Expected scanner to be enabled")
	}
	if cfg.Interval != time.Minute {
		t.Errorf("Expected interval=1m, got %s", cfg.Interval)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("Expected batch size=100, got %d", cfg.BatchSize)
	}
	if cfg.MaxDeliveryAttempts != 5 {
		t.Errorf("Expected max attempts=5, got %d", cfg.MaxDeliveryAttempts)
	}
	if cfg.DefaultCatchUp != task.CatchUpSkipForward {
		t.Errorf("Expected skip_forward, got %s", cfg.DefaultCatchUp)
	}
	if cfg.DefaultMaxBackfill != 12 {
		t.Errorf("Expected max backfill=12, got %d", cfg.DefaultMaxBackfill)
	}
}

func TestLoadScannerConfig_Backfill(t *testing.T) {
	isolate(t)
	t.Setenv("DEFAULT_CATCH_UP", "backfill")
	t.Setenv("DEFAULT_MAX_BACKFILL", "3")
	t.Setenv("SCAN_INTERVAL", "30s")

	cfg, err := LoadScannerConfig()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.DefaultCatchUp != task.CatchUpBackfill {
		t.Errorf("Expected backfill, got %s", cfg.DefaultCatchUp)
	}
	if cfg.DefaultMaxBackfill != 3 {
		t.Errorf("Expected max backfill=3, got %d", cfg.DefaultMaxBackfill)
	}
	if cfg.Interval != 30*time.Second {
		t.Errorf("Expected interval=30s, got %s", cfg.Interval)
	}
}

func TestScannerValidate(t *testing.T) {
	valid := ScannerConfig{
		Enabled:             true,
		Interval:            time.Minute,
		BatchSize:           10,
		MaxDeliveryAttempts: 3,
		LeaseTTL:            time.Second,
		DefaultCatchUp:      task.CatchUpSkipForward,
		DefaultMaxBackfill:  1,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *ScannerConfig)
	}{
		{"sub-second interval", func(c *ScannerConfig) { c.Interval = 100 * time.Millisecond }},
		{"zero batch", func(c *ScannerConfig) { c.BatchSize = 0 }},
		{"huge batch", func(c *ScannerConfig) { c.BatchSize = 20000 }},
		{"zero attempts", func(c *ScannerConfig) { c.MaxDeliveryAttempts = 0 }},
		{"zero lease", func(c *ScannerConfig) { c.LeaseTTL = 0 }},
		{"unknown policy", func(c *ScannerConfig) { c.DefaultCatchUp = "replay" }},
		{"zero backfill", func(c *ScannerConfig) { c.DefaultMaxBackfill = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
