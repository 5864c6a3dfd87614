package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "time/tzdata"
)

var (
	global   *CentralLogger
	globalMu sync.Mutex
)

// SetGlobal installs cl as the process logger.
func SetGlobal(cl *CentralLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = cl
}

// Global returns the process logger. Before SetGlobal it is an info level
// console logger.
func Global() *CentralLogger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = &CentralLogger{
			handler:  consoleHandler(os.Stdout, slog.LevelInfo),
			tz:       time.Local,
			fallback: slog.LevelInfo,
		}
	}
	return global
}

// CentralLogger owns the output handlers and the per-module levels. Module
// hands out loggers that share its handlers.
type CentralLogger struct {
	mu       sync.RWMutex
	handler  slog.Handler
	file     *bufferedFileWriter
	tz       *time.Location
	fallback slog.Level
	levels   map[string]slog.Level
}

// NewCentralLogger builds the console and file outputs described by cfg.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config cannot be nil")
	}

	tz := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		tz = loc
	}

	defaultLevel := LogLevel(cfg.DefaultLevel)
	if defaultLevel == "" {
		defaultLevel = DefaultLogLevel
	}
	cl := &CentralLogger{
		tz:       tz,
		fallback: toSlogLevel(defaultLevel),
		levels:   make(map[string]slog.Level, len(cfg.ModuleLevels)),
	}
	for module, level := range cfg.ModuleLevels {
		cl.levels[module] = toSlogLevel(LogLevel(level))
	}

	var outputs fanout
	console := cfg.Console
	if console == nil {
		console = &ConsoleOutput{Enabled: DefaultConsoleEnabled}
	}
	if console.Enabled {
		outputs = append(outputs, consoleHandler(os.Stdout, outputLevel(console.Level, defaultLevel)))
	}
	if f := cfg.FileOutput; f != nil && f.Enabled {
		path := f.Path
		if path == "" {
			path = DefaultLogPath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		w, err := newBufferedFileWriter(path)
		if err != nil {
			return nil, err
		}
		cl.file = w
		outputs = append(outputs, jsonHandler(w, outputLevel(f.Level, defaultLevel), tz))
	}

	switch len(outputs) {
	case 0:
		cl.handler = consoleHandler(os.Stdout, cl.fallback)
	case 1:
		cl.handler = outputs[0]
	default:
		cl.handler = outputs
	}
	return cl, nil
}

func outputLevel(level string, fallback LogLevel) slog.Level {
	if level == "" {
		return toSlogLevel(fallback)
	}
	return toSlogLevel(LogLevel(level))
}

// Module returns the logger for name. A module without its own level uses
// the level of its nearest configured parent ("datastore" for
// "datastore.sqlite"), then the default level.
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return &moduleLogger{
		handler:   cl.handler,
		module:    name,
		threshold: cl.levelLocked(name),
	}
}

func (cl *CentralLogger) levelLocked(module string) slog.Level {
	for m := module; m != ""; {
		if lvl, ok := cl.levels[m]; ok {
			return lvl
		}
		i := strings.LastIndexByte(m, '.')
		if i < 0 {
			break
		}
		m = m[:i]
	}
	return cl.fallback
}

// Flush writes buffered file records to the OS.
func (cl *CentralLogger) Flush() error {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	if cl.file == nil {
		return nil
	}
	return cl.file.Flush()
}

// Close flushes and closes the log file. Console output keeps working.
func (cl *CentralLogger) Close() error {
	if cl == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.file == nil {
		return nil
	}
	err := cl.file.Close()
	cl.file = nil
	return err
}

// NewSlogLogger returns a standalone JSON logger on w, mostly for tests.
// A nil w writes to stderr and a nil tz means UTC.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if w == nil {
		w = os.Stderr
	}
	if tz == nil {
		tz = time.UTC
	}
	threshold := toSlogLevel(level)
	return &moduleLogger{handler: jsonHandler(w, threshold, tz), threshold: threshold}
}

type moduleLogger struct {
	handler   slog.Handler
	module    string
	threshold slog.Level
	attrs     []slog.Attr
}

func (m *moduleLogger) Module(name string) Logger {
	if m == nil {
		return nil
	}
	child := *m
	if m.module != "" {
		child.module = m.module + "." + name
	} else {
		child.module = name
	}
	return &child
}

func (m *moduleLogger) With(fields ...Field) Logger {
	if m == nil {
		return nil
	}
	child := *m
	child.attrs = make([]slog.Attr, 0, len(m.attrs)+len(fields))
	child.attrs = append(child.attrs, m.attrs...)
	for _, f := range fields {
		child.attrs = append(child.attrs, toAttr(f))
	}
	return &child
}

func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	if m == nil {
		return nil
	}
	if id := CorrelationID(ctx); id != "" {
		return m.With(String(correlationIDKey, id))
	}
	return m
}

func (m *moduleLogger) Trace(msg string, fields ...Field) { m.emit(levelTrace, msg, fields) }
func (m *moduleLogger) Debug(msg string, fields ...Field) { m.emit(slog.LevelDebug, msg, fields) }
func (m *moduleLogger) Info(msg string, fields ...Field)  { m.emit(slog.LevelInfo, msg, fields) }
func (m *moduleLogger) Warn(msg string, fields ...Field)  { m.emit(slog.LevelWarn, msg, fields) }
func (m *moduleLogger) Error(msg string, fields ...Field) { m.emit(slog.LevelError, msg, fields) }

// Flush is a no-op; the CentralLogger owns the file.
func (m *moduleLogger) Flush() error { return nil }

func (m *moduleLogger) emit(level slog.Level, msg string, fields []Field) {
	ctx := context.Background()
	if m == nil || level < m.threshold || !m.handler.Enabled(ctx, level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	if m.module != "" {
		r.AddAttrs(slog.String(moduleKey, m.module))
	}
	r.AddAttrs(m.attrs...)
	for _, f := range fields {
		r.AddAttrs(toAttr(f))
	}
	_ = m.handler.Handle(ctx, r)
}

// toAttr converts f, redacting secrets and rounding floats.
func toAttr(f Field) slog.Attr {
	if isSensitiveKey(f.Key) {
		return slog.String(f.Key, redacted)
	}
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, RedactSensitiveData(v))
	case float64:
		return slog.Float64(f.Key, math.Round(v*1000)/1000)
	case time.Duration:
		return slog.String(f.Key, v.Round(time.Millisecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}
