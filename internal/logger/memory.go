package logger

import (
	"context"
	"sync"
	"time"
)

// MemoryLogger keeps entries in memory. Tests use it to assert on what was logged.
type MemoryLogger struct {
	store      *memoryStore
	baseFields map[string]interface{}
	component  Component
	source     LogSource
}

type memoryStore struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewMemoryLogger creates an empty in-memory logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{store: &memoryStore{}}
}

// Entries returns a copy of everything logged so far, across derived loggers
func (m *MemoryLogger) Entries() []LogEntry {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	out := make([]LogEntry, len(m.store.entries))
	copy(out, m.store.entries)
	return out
}

// Count returns how many entries were logged at level containing msg exactly
func (m *MemoryLogger) Count(level LogLevel, msg string) int {
	n := 0
	for _, e := range m.Entries() {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}

func (m *MemoryLogger) record(ctx context.Context, level LogLevel, msg string, args []interface{}) {
	fields := collectFields(ctx, m.baseFields, args)
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: m.component,
		Source:    m.source,
		Fields:    fields,
	}
	entry.TaskID, _ = fields["task_id"].(string)
	entry.PeriodKey, _ = fields["period_key"].(string)
	if e, ok := fields["error"].(string); ok {
		entry.Error = e
	}

	m.store.mu.Lock()
	m.store.entries = append(m.store.entries, entry)
	m.store.mu.Unlock()
}

func (m *MemoryLogger) Debug(msg string, args ...interface{}) {
	m.record(context.Background(), LevelDebug, msg, args)
}
func (m *MemoryLogger) Info(msg string, args ...interface{}) {
	m.record(context.Background(), LevelInfo, msg, args)
}
func (m *MemoryLogger) Warn(msg string, args ...interface{}) {
	m.record(context.Background(), LevelWarn, msg, args)
}
func (m *MemoryLogger) Error(msg string, args ...interface{}) {
	m.record(context.Background(), LevelError, msg, args)
}
func (m *MemoryLogger) DebugContext(ctx context.Context, msg string, args ...interface{}) {
	m.record(ctx, LevelDebug, msg, args)
}
func (m *MemoryLogger) InfoContext(ctx context.Context, msg string, args ...interface{}) {
	m.record(ctx, LevelInfo, msg, args)
}
func (m *MemoryLogger) WarnContext(ctx context.Context, msg string, args ...interface{}) {
	m.record(ctx, LevelWarn, msg, args)
}
func (m *MemoryLogger) ErrorContext(ctx context.Context, msg string, args ...interface{}) {
	m.record(ctx, LevelError, msg, args)
}

func (m *MemoryLogger) WithFields(fields map[string]interface{}) Logger {
	return &MemoryLogger{store: m.store, baseFields: mergeFields(m.baseFields, fields), component: m.component, source: m.source}
}

func (m *MemoryLogger) WithComponent(component Component) Logger {
	return &MemoryLogger{store: m.store, baseFields: m.baseFields, component: component, source: m.source}
}

func (m *MemoryLogger) WithSource(source LogSource) Logger {
	return &MemoryLogger{store: m.store, baseFields: m.baseFields, component: m.component, source: source}
}

func (m *MemoryLogger) Close() error { return nil }

var _ Logger = (*MemoryLogger)(nil)
