package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level to be info, got %s", cfg.Level)
	}

	if cfg.Format != FormatJSON {
		t.Errorf("expected default format to be json, got %s", cfg.Format)
	}

	if !cfg.Console.Enabled {
		t.Error("expected console to be enabled by default")
	}

	if cfg.File.Enabled {
		t.Error("expected file to be disabled by default")
	}

}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "valid default config",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: &Config{
				Level:  "invalid",
				Format: FormatJSON,
				Console: ConsoleConfig{
					Enabled: true,
				},
			},
			wantErr: true,
		},
		{
			name: "invalid format",
			config: &Config{
				Level:  LevelInfo,
				Format: "invalid",
				Console: ConsoleConfig{
					Enabled: true,
				},
			},
			wantErr: true,
		},
		{
			name: "file enabled without path",
			config: &Config{
				Level:  LevelInfo,
				Format: FormatJSON,
				Console: ConsoleConfig{
					Enabled: true,
				},
				File: FileConfig{
					Enabled: true,
					Path:    "",
				},
			},
			wantErr: true,
		},
		{
			name: "file enabled with zero batch size",
			config: &Config{
				Level:  LevelInfo,
				Format: FormatText,
				Console: ConsoleConfig{
					Enabled: true,
				},
				File: FileConfig{
					Enabled:   true,
					Path:      "/tmp/duebook.log",
					MaxSizeMB: 10,
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMultiLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = FormatJSON

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	// Test basic logging (should not panic)
	ml.Info("test message", "key", "value")
	ml.Debug("debug message")
	ml.Warn("warning message")
	ml.Error("error message")
}

func TestLoggerWithFields(t *testing.T) {
	cfg := DefaultConfig()

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	// Add fields
	logger := ml.WithFields(map[string]interface{}{
		"field1": "value1",
		"field2": 123,
	})

	// Test logging (should not panic)
	logger.Info("test message with fields")
}

func TestLoggerWithComponent(t *testing.T) {
	cfg := DefaultConfig()

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	// Add component
	logger := ml.WithComponent(ComponentScanner)

	// Test logging (should not panic)
	logger.Info("test message from scanner")
}

func TestLoggerWithSource(t *testing.T) {
	cfg := DefaultConfig()

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	// Add source
	logger := ml.WithSource(LogSourceAudit)

	// Test logging (should not panic)
	logger.Info("reminder closed")
}

func TestLoggerContext(t *testing.T) {
	cfg := DefaultConfig()

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	ctx := WithReminder(context.Background(), "task-123", "task-123:2025-01")

	// Test context-aware logging (should not panic)
	ml.InfoContext(ctx, "test message with context")
}

func TestLogLevelFiltering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelWarn // Only warn and error should be logged

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	// These should be filtered out (below warn level)
	ml.Debug("debug message")
	ml.Info("info message")

	// These should be logged
	ml.Warn("warn message")
	ml.Error("error message")

	// Test should complete without panic
}

func TestNoOpLogger(t *testing.T) {
	logger := &NoOpLogger{}

	// All operations should be no-op (no panic)
	logger.Debug("test")
	logger.Info("test")
	logger.Warn("test")
	logger.Error("test")

	logger.DebugContext(context.Background(), "test")
	logger.InfoContext(context.Background(), "test")
	logger.WarnContext(context.Background(), "test")
	logger.ErrorContext(context.Background(), "test")

	_ = logger.WithFields(map[string]interface{}{"key": "value"})
	_ = logger.WithComponent(ComponentScanner)
	_ = logger.WithSource(LogSourceInternal)

	if err := logger.Close(); err != nil {
		t.Errorf("NoOpLogger.Close() should not error, got %v", err)
	}
}

func TestGlobalLogger(t *testing.T) {
	// Create a test logger
	cfg := DefaultConfig()
	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	// Set as default
	SetDefault(ml)

	// Get default
	got := Default()
	if got == nil {
		t.Error("Default() returned nil")
	}

	// Test global helper functions (should not panic)
	Info("test info")
	Debug("test debug")
	Warn("test warn")
	Error("test error")
}

func TestLogEntry(t *testing.T) {
	entry := &LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     LevelInfo,
		Message:   "test message",
		Component: ComponentScanner,
		Source:    LogSourceInternal,
		Fields:    map[string]interface{}{"key": "value"},
		TaskID:    "task-123",
		PeriodKey: "task-123:2025-01",
		Error:     "some error",
	}

	// Marshal to JSON
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("failed to marshal log entry: %v", err)
	}

	// Unmarshal back
	var decoded LogEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}

	// Verify fields
	if decoded.Level != entry.Level {
		t.Errorf("level mismatch: got %s, want %s", decoded.Level, entry.Level)
	}
	if decoded.Message != entry.Message {
		t.Errorf("message mismatch: got %s, want %s", decoded.Message, entry.Message)
	}
	if decoded.Component != entry.Component {
		t.Errorf("component mismatch: got %s, want %s", decoded.Component, entry.Component)
	}
	if decoded.PeriodKey != entry.PeriodKey {
		t.Errorf("period key mismatch: got %s, want %s", decoded.PeriodKey, entry.PeriodKey)
	}
}

func TestConsoleTextFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = FormatText
	cfg.Console.Color = true

	var buf bytes.Buffer
	cl := newConsoleLogger(cfg, &buf)
	cl.log(LevelWarn, "delivery failed", ComponentNotifier, LogSourceInternal, map[string]interface{}{"attempt": 2})
	if err := cl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	line := buf.String()
	for _, want := range []string{"WARN", "notifier", "delivery failed", "attempt=2"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in console line %q", want, line)
		}
	}
}

func TestFileLoggerWritesJSONLines(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.Enabled = false
	cfg.File.Enabled = true
	cfg.File.Path = filepath.Join(t.TempDir(), "duebook.log")

	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	ctx := WithReminder(context.Background(), "task-1", "task-1:2025-02")
	ml.WithComponent(ComponentConfirm).ErrorContext(ctx, "posting failed", "error", errors.New("timeout"))
	if err := ml.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(cfg.File.Path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", data, err)
	}
	if entry.TaskID != "task-1" || entry.PeriodKey != "task-1:2025-02" {
		t.Errorf("expected reminder fields to be promoted, got %+v", entry)
	}
	if entry.Error != "timeout" {
		t.Errorf("expected error field 'timeout', got %q", entry.Error)
	}
	if entry.Component != ComponentConfirm {
		t.Errorf("expected component confirm, got %s", entry.Component)
	}
}

func TestMemoryLogger(t *testing.T) {
	ml := NewMemoryLogger()
	scoped := ml.WithComponent(ComponentScanner).WithFields(map[string]interface{}{"scan": 1})

	scoped.Error("delivery given up", "attempts", 5)
	scoped.InfoContext(WithReminder(context.Background(), "t", "t:2025-03"), "reminder sent")

	if got := ml.Count(LevelError, "delivery given up"); got != 1 {
		t.Errorf("expected 1 error entry, got %d", got)
	}

	entries := ml.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Component != ComponentScanner {
		t.Errorf("expected scanner component, got %s", entries[0].Component)
	}
	if entries[0].Fields["scan"] != 1 {
		t.Errorf("expected base field to be carried, got %v", entries[0].Fields)
	}
	if entries[1].PeriodKey != "t:2025-03" {
		t.Errorf("expected period key from context, got %q", entries[1].PeriodKey)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != LevelDebug {
		t.Error("expected debug")
	}
	if ParseLevel("verbose") != LevelInfo {
		t.Error("expected fallback to info")
	}
}

func TestWriter(t *testing.T) {
	cfg := DefaultConfig()
	ml, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer ml.Close()

	writer := NewWriter(ml, LevelInfo)

	// Write to the writer
	n, err := writer.Write([]byte("test log message"))
	if err != nil {
		t.Errorf("Write() error = %v", err)
	}
	if n != len("test log message") {
		t.Errorf("Write() wrote %d bytes, want %d", n, len("test log message"))
	}
}

// Benchmark tests
func BenchmarkMultiLoggerInfo(b *testing.B) {
	cfg := DefaultConfig()
	ml, _ := NewLogger(cfg)
	defer ml.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ml.Info("benchmark test", "iteration", i)
	}
}

func BenchmarkMultiLoggerWithFields(b *testing.B) {
	cfg := DefaultConfig()
	ml, _ := NewLogger(cfg)
	defer ml.Close()

	logger := ml.WithFields(map[string]interface{}{
		"field1": "value1",
		"field2": 123,
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark test", "iteration", i)
	}
}

func BenchmarkNoOpLogger(b *testing.B) {
	logger := &NoOpLogger{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark test", "iteration", i)
	}
}

func BenchmarkLogLevelFiltered(b *testing.B) {
	cfg := DefaultConfig()
	cfg.Level = LevelError // Filter out everything below error

	ml, _ := NewLogger(cfg)
	defer ml.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ml.Info("this should be filtered", "iteration", i)
	}
}
