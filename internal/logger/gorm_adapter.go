package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// maxLoggedSQL truncates statements; scan notes can make them long
const maxLoggedSQL = 2048

// GormLoggerAdapter sends gorm's output to a module logger. Statements are
// logged at TRACE; failed and slow statements at WARN.
type GormLoggerAdapter struct {
	log           Logger
	slowThreshold time.Duration
}

var _ gorm_logger.Interface = (*GormLoggerAdapter)(nil)

// NewGormLoggerAdapter wraps log. A zero slowThreshold turns off slow query reports.
func NewGormLoggerAdapter(log Logger, slowThreshold time.Duration) *GormLoggerAdapter {
	if log == nil {
		log = Global().Module("gorm")
	}
	return &GormLoggerAdapter{log: log, slowThreshold: slowThreshold}
}

// LogMode is ignored; the module level decides what is written.
func (a *GormLoggerAdapter) LogMode(gorm_logger.LogLevel) gorm_logger.Interface { return a }

func (a *GormLoggerAdapter) Info(ctx context.Context, format string, args ...any) {
	a.log.WithContext(ctx).Debug(fmt.Sprintf(format, args...))
}

func (a *GormLoggerAdapter) Warn(ctx context.Context, format string, args ...any) {
	a.log.WithContext(ctx).Warn(fmt.Sprintf(format, args...))
}

func (a *GormLoggerAdapter) Error(ctx context.Context, format string, args ...any) {
	a.log.WithContext(ctx).Error(fmt.Sprintf(format, args...))
}

// Trace is called by gorm after every statement.
func (a *GormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	stmt, rows := fc()
	if len(stmt) > maxLoggedSQL {
		stmt = stmt[:maxLoggedSQL] + "..."
	}
	fields := []Field{
		String("sql", stmt),
		Int64("rows", rows),
		Duration("elapsed", elapsed),
	}
	log := a.log.WithContext(ctx)

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn("statement failed", append(fields, Error(err))...)
		return
	}
	if a.slowThreshold > 0 && elapsed > a.slowThreshold {
		log.Warn("slow statement", append(fields, Duration("threshold", a.slowThreshold))...)
		return
	}
	log.Trace("statement", fields...)
}
