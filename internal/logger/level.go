package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level is the severity threshold for the leveled helpers below.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

var level atomic.Int32

func init() {
	level.Store(int32(LevelInfo))
}

// ParseLevel maps a config level name to a Level. Unknown names map to INFO.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR":
		return LevelError
	case "FATAL":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// LevelName is the inverse of ParseLevel.
func LevelName(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "INFO"
	}
}

// SetLevel changes the threshold at runtime.
func SetLevel(name string) {
	level.Store(int32(ParseLevel(name)))
}

func currentLevel() Level {
	return Level(level.Load())
}

// Enabled reports whether messages at l are written.
func Enabled(l Level) bool {
	return l >= currentLevel()
}

// calldepth 3 skips output(), the exported helper and reports the caller
func output(l Level, msg string) {
	if !Enabled(l) {
		return
	}
	_ = log.Output(3, "["+LevelName(l)+"] "+msg)
}

func Debug(v ...interface{})   { output(LevelDebug, fmt.Sprint(v...)) }
func Info(v ...interface{})    { output(LevelInfo, fmt.Sprint(v...)) }
func Warning(v ...interface{}) { output(LevelWarning, fmt.Sprint(v...)) }
func Error(v ...interface{})   { output(LevelError, fmt.Sprint(v...)) }

func Debugf(format string, v ...interface{})   { output(LevelDebug, fmt.Sprintf(format, v...)) }
func Infof(format string, v ...interface{})    { output(LevelInfo, fmt.Sprintf(format, v...)) }
func Warningf(format string, v ...interface{}) { output(LevelWarning, fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...interface{})   { output(LevelError, fmt.Sprintf(format, v...)) }

// Fatalf logs regardless of level and exits.
func Fatalf(format string, v ...interface{}) {
	_ = log.Output(2, "[FATAL] "+fmt.Sprintf(format, v...))
	os.Exit(1)
}
