// Package logger is the structured logging layer of FetalScan, built on
// log/slog. Components take a Logger in their constructor and scope it:
//
//	log := logger.Global().Module("ingest")
//	log.WithContext(ctx).Info("report stored",
//	    logger.Uint64("scan_id", uint64(scan.ID)),
//	    logger.Float64("processing_seconds", outcome.ProcessingTime))
//
// The console gets plain text and the optional log file gets JSON. Records
// logged with a request context carry its correlation_id.
package logger

import (
	"context"
	"time"
)

// LogLevel is a configured severity name.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

const (
	moduleKey        = "module"
	correlationIDKey = "correlation_id"
)

// Logger is passed to every component.
type Logger interface {
	// Module scopes the logger; nested modules are joined with a dot
	Module(name string) Logger

	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Logger
	// WithContext adds the correlation ID carried by ctx, if any
	WithContext(ctx context.Context) Logger

	Flush() error
}

// Field is a key/value pair attached to a record.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field         { return Field{key, value} }
func Int(key string, value int) Field        { return Field{key, value} }
func Int64(key string, value int64) Field    { return Field{key, value} }
func Uint64(key string, value uint64) Field  { return Field{key, value} }
func Bool(key string, value bool) Field      { return Field{key, value} }
func Time(key string, value time.Time) Field { return Field{key, value} }
func Any(key string, value any) Field        { return Field{key, value} }

// Float64 values are written rounded to three decimals.
func Float64(key string, value float64) Field { return Field{key, value} }

// Duration values are written as strings like "1.5s".
func Duration(key string, value time.Duration) Field { return Field{key, value} }

// Error always uses the key "error". A nil error logs as null.
func Error(err error) Field {
	if err == nil {
		return Field{"error", nil}
	}
	return Field{"error", err.Error()}
}

type correlationKey struct{}

// WithCorrelationID returns ctx carrying id for WithContext.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ID stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
