package logger

import (
	"fmt"
	"io"
	"sync/atomic"

	echo_log "github.com/labstack/gommon/log"
)

// EchoLoggerAdapter routes echo's internal logging into a module logger.
// Levels below the configured gommon level are dropped, and OFF silences it:
//
//	e := echo.New()
//	e.Logger = logger.NewEchoLoggerAdapter(log.Module("echo"), echo_log.WARN)
type EchoLoggerAdapter struct {
	logger Logger
	level  atomic.Uint32
}

// NewEchoLoggerAdapter wraps l; a nil l discards everything.
func NewEchoLoggerAdapter(l Logger, level echo_log.Lvl) *EchoLoggerAdapter {
	if l == nil {
		l = NewSlogLogger(io.Discard, LogLevelError, nil)
	}
	a := &EchoLoggerAdapter{logger: l}
	a.level.Store(uint32(level))
	return a
}

func (a *EchoLoggerAdapter) enabled(l echo_log.Lvl) bool {
	current := echo_log.Lvl(a.level.Load())
	return current != echo_log.OFF && l >= current
}

// Output is unused; output is owned by the central logger.
func (a *EchoLoggerAdapter) Output() io.Writer { return io.Discard }

func (a *EchoLoggerAdapter) SetOutput(io.Writer) {}

func (a *EchoLoggerAdapter) Prefix() string { return "" }

func (a *EchoLoggerAdapter) SetPrefix(string) {}

func (a *EchoLoggerAdapter) Level() echo_log.Lvl { return echo_log.Lvl(a.level.Load()) }

func (a *EchoLoggerAdapter) SetLevel(l echo_log.Lvl) { a.level.Store(uint32(l)) }

func (a *EchoLoggerAdapter) SetHeader(string) {}

func (a *EchoLoggerAdapter) Print(i ...any) { a.log(echo_log.INFO, fmt.Sprint(i...)) }

func (a *EchoLoggerAdapter) Printf(format string, args ...any) {
	a.log(echo_log.INFO, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Printj(j echo_log.JSON) { a.logJSON(echo_log.INFO, j) }

func (a *EchoLoggerAdapter) Debug(i ...any) { a.log(echo_log.DEBUG, fmt.Sprint(i...)) }

func (a *EchoLoggerAdapter) Debugf(format string, args ...any) {
	a.log(echo_log.DEBUG, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Debugj(j echo_log.JSON) { a.logJSON(echo_log.DEBUG, j) }

func (a *EchoLoggerAdapter) Info(i ...any) { a.log(echo_log.INFO, fmt.Sprint(i...)) }

func (a *EchoLoggerAdapter) Infof(format string, args ...any) {
	a.log(echo_log.INFO, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Infoj(j echo_log.JSON) { a.logJSON(echo_log.INFO, j) }

func (a *EchoLoggerAdapter) Warn(i ...any) { a.log(echo_log.WARN, fmt.Sprint(i...)) }

func (a *EchoLoggerAdapter) Warnf(format string, args ...any) {
	a.log(echo_log.WARN, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Warnj(j echo_log.JSON) { a.logJSON(echo_log.WARN, j) }

func (a *EchoLoggerAdapter) Error(i ...any) { a.log(echo_log.ERROR, fmt.Sprint(i...)) }

func (a *EchoLoggerAdapter) Errorf(format string, args ...any) {
	a.log(echo_log.ERROR, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Errorj(j echo_log.JSON) { a.logJSON(echo_log.ERROR, j) }

// Fatal logs and panics so the server's recover path can shut down cleanly.
func (a *EchoLoggerAdapter) Fatal(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic("echo fatal error: " + msg)
}

func (a *EchoLoggerAdapter) Fatalf(format string, args ...any) {
	a.Fatal(fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Fatalj(j echo_log.JSON) {
	a.Fatal(fmt.Sprintf("%v", j))
}

func (a *EchoLoggerAdapter) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicf(format string, args ...any) {
	a.Panic(fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Panicj(j echo_log.JSON) {
	a.logger.Error("echo panic", Any("data", j))
	panic(j)
}

func (a *EchoLoggerAdapter) log(l echo_log.Lvl, msg string) {
	if !a.enabled(l) {
		return
	}
	switch l {
	case echo_log.DEBUG:
		a.logger.Debug(msg)
	case echo_log.WARN:
		a.logger.Warn(msg)
	case echo_log.ERROR:
		a.logger.Error(msg)
	default:
		a.logger.Info(msg)
	}
}

func (a *EchoLoggerAdapter) logJSON(l echo_log.Lvl, j echo_log.JSON) {
	if !a.enabled(l) {
		return
	}
	a.log(l, fmt.Sprintf("%v", map[string]any(j)))
}
