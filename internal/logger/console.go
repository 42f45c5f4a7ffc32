package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleLogger implements Tier 1: slog output to stdout through an async buffer.
// Format is JSON, or a colored one-line text form for local runs.
type ConsoleLogger struct {
	config  *Config
	handler slog.Handler
	writer  *bufferedWriter
}

// bufferedWriter provides async buffered writing with periodic flushing
type bufferedWriter struct {
	writer        io.Writer
	buffer        chan []byte
	flushInterval time.Duration
	done          chan struct{}
	stopped       chan struct{}
	mu            sync.Mutex
	closed        bool
}

func newBufferedWriter(w io.Writer, bufferSize int, flushInterval time.Duration) *bufferedWriter {
	slots := bufferSize / 256 // approximate number of entries
	if slots < 1 {
		slots = 1
	}
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	bw := &bufferedWriter{
		writer:        w,
		buffer:        make(chan []byte, slots),
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go bw.flusher()

	return bw
}

// Write implements io.Writer
func (bw *bufferedWriter) Write(p []byte) (n int, err error) {
	bw.mu.Lock()
	closed := bw.closed
	bw.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("writer is closed")
	}

	// slog reuses its buffer
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case bw.buffer <- buf:
		return len(p), nil
	default:
		// Buffer full, write directly
		return bw.writer.Write(p)
	}
}

func (bw *bufferedWriter) flusher() {
	defer close(bw.stopped)
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case buf := <-bw.buffer:
			_, _ = bw.writer.Write(buf)
		case <-ticker.C:
			bw.drain()
		case <-bw.done:
			bw.drain()
			return
		}
	}
}

// drain writes all buffered data
func (bw *bufferedWriter) drain() {
	for {
		select {
		case buf := <-bw.buffer:
			_, _ = bw.writer.Write(buf)
		default:
			return
		}
	}
}

// Close stops the flusher after draining what is buffered
func (bw *bufferedWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	<-bw.stopped
	return nil
}

// NewConsoleLogger creates a new console logger writing to stdout
func NewConsoleLogger(config *Config) (*ConsoleLogger, error) {
	return newConsoleLogger(config, os.Stdout), nil
}

func newConsoleLogger(config *Config, out io.Writer) *ConsoleLogger {
	cl := &ConsoleLogger{config: config}
	cl.writer = newBufferedWriter(out, config.Console.BufferSize, config.Console.FlushInterval)

	opts := &slog.HandlerOptions{
		Level: slogLevel(config.Level),
	}

	switch {
	case config.Format == FormatJSON:
		cl.handler = slog.NewJSONHandler(cl.writer, opts)
	case config.Console.Color:
		cl.handler = newColorTextHandler(cl.writer, opts)
	default:
		cl.handler = slog.NewTextHandler(cl.writer, opts)
	}

	return cl
}

// log writes a log entry to console
func (cl *ConsoleLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	record := slog.NewRecord(time.Now(), slogLevel(level), msg, 0)

	if component != "" {
		record.AddAttrs(slog.String("component", string(component)))
	}
	if source != "" {
		record.AddAttrs(slog.String("log_source", string(source)))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		record.AddAttrs(slog.Any(k, fields[k]))
	}

	_ = cl.handler.Handle(context.Background(), record)
}

// Close flushes and closes the console logger
func (cl *ConsoleLogger) Close() error {
	return cl.writer.Close()
}

// slogLevel converts our LogLevel to slog.Level
func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorTextHandler renders "time LEVEL [component] msg key=value ..." lines
type colorTextHandler struct {
	w    io.Writer
	opts *slog.HandlerOptions
	mu   sync.Mutex

	debugColor *color.Color
	infoColor  *color.Color
	warnColor  *color.Color
	errorColor *color.Color
	compColor  *color.Color
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	return &colorTextHandler{
		w:          w,
		opts:       opts,
		debugColor: color.New(color.FgCyan),
		infoColor:  color.New(color.FgGreen),
		warnColor:  color.New(color.FgYellow),
		errorColor: color.New(color.FgRed, color.Bold),
		compColor:  color.New(color.FgMagenta),
	}
}

// Enabled implements slog.Handler
func (h *colorTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts != nil && h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle implements slog.Handler
func (h *colorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(time.RFC3339))
	b.WriteByte(' ')

	switch {
	case r.Level >= slog.LevelError:
		b.WriteString(h.errorColor.Sprint("ERROR"))
	case r.Level >= slog.LevelWarn:
		b.WriteString(h.warnColor.Sprint("WARN "))
	case r.Level >= slog.LevelInfo:
		b.WriteString(h.infoColor.Sprint("INFO "))
	default:
		b.WriteString(h.debugColor.Sprint("DEBUG"))
	}

	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			b.WriteString(" [")
			b.WriteString(h.compColor.Sprint(a.Value.String()))
			b.WriteByte(']')
			return true
		}
		attrs = append(attrs, a)
		return true
	})

	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs implements slog.Handler; attributes are passed per record instead
func (h *colorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

// WithGroup implements slog.Handler
func (h *colorTextHandler) WithGroup(name string) slog.Handler {
	return h
}
