package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	customlogger "xthreadcraft/internal/logger"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// CustomGormLogger routes gorm output through the application logger
type CustomGormLogger struct {
	LogLevel                  logger.LogLevel
	SlowThreshold             time.Duration
	SkipCallerLookup          bool
	IgnoreRecordNotFoundError bool

	// out receives statement traces when set; errors still reach the application log
	out *log.Logger
}

// NewCustomGormLogger maps an application level name onto gorm's levels
func NewCustomGormLogger(level string) logger.Interface {
	var logLevel logger.LogLevel

	switch level {
	case "DEBUG", "INFO":
		// gorm Info logs every statement; it is only wanted when debugging SQL
		logLevel = logger.Info
	case "WARNING", "":
		logLevel = logger.Warn
	case "ERROR", "FATAL":
		logLevel = logger.Error
	case "SILENT":
		logLevel = logger.Silent
	default:
		logLevel = logger.Warn
	}

	return &CustomGormLogger{
		LogLevel:                  logLevel,
		SlowThreshold:             200 * time.Millisecond,
		IgnoreRecordNotFoundError: true,
	}
}

// WithOutput returns a copy writing statement traces to w.
func (l *CustomGormLogger) WithOutput(w io.Writer) *CustomGormLogger {
	newLogger := *l
	newLogger.out = log.New(w, "", log.LstdFlags)
	return &newLogger
}

// LogMode returns a copy at the given level
func (l *CustomGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *CustomGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		customlogger.Infof(msg, data...)
	}
}

func (l *CustomGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		customlogger.Warningf(msg, data...)
	}
}

func (l *CustomGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		customlogger.Errorf(msg, data...)
	}
}

// Trace logs one executed statement. Lost CAS updates are not errors and
// duplicate-key failures are expected on the pending slot, so both stay quiet.
func (l *CustomGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	ms := float64(elapsed.Nanoseconds()) / 1e6
	sql, rows := fc()

	var source string
	if !l.SkipCallerLookup {
		source = "[" + utils.FileWithLineNum() + "] "
	}

	switch {
	case err != nil && l.LogLevel >= logger.Error && !l.expected(err):
		customlogger.Errorf("[%.3fms] %s%s; error=%v", ms, source, sql, err)
		l.trace("[%.3fms] %s%s; error=%v", ms, source, sql, err)
	case elapsed > l.SlowThreshold && l.SlowThreshold != 0 && l.LogLevel >= logger.Warn:
		slowLog := fmt.Sprintf("SLOW SQL >= %v", l.SlowThreshold)
		if l.out != nil {
			l.trace("[%.3fms] %s%s; %s, rows=%v", ms, source, sql, slowLog, rows)
			return
		}
		customlogger.Warningf("[%.3fms] %s%s; %s, rows=%v", ms, source, sql, slowLog, rows)
	case l.LogLevel == logger.Info:
		if l.out != nil {
			l.trace("[%.3fms] %s%s; rows=%v", ms, source, sql, rows)
			return
		}
		customlogger.Debugf("[%.3fms] %s%s; rows=%v", ms, source, sql, rows)
	}
}

func (l *CustomGormLogger) trace(format string, args ...interface{}) {
	if l.out != nil {
		l.out.Printf(format, args...)
	}
}

func (l *CustomGormLogger) expected(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return l.IgnoreRecordNotFoundError && errors.Is(err, gorm.ErrRecordNotFound)
}
