package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel orders message severities; a logger prints messages at or above its level.
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// String returns the upper-case name of the level.
func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "INFO"
	}
	return levelNames[l]
}

// Logger is a leveled logger instance. The level is stored atomically so it
// can be changed from the admin API while requests are logging.
type Logger struct {
	level atomic.Int32
	out   *log.Logger
}

var defaultLogger = New("INFO")

// New creates a new Logger instance with the specified level writing to stdout.
func New(level string) *Logger {
	l := &Logger{out: log.New(os.Stdout, "[STEPZZ] ", log.LstdFlags)}
	l.SetLevel(level)
	return l
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel sets this logger instance's level
func (l *Logger) SetLevel(level string) {
	l.level.Store(int32(ParseLogLevel(level)))
}

// GetLevel returns this logger instance's level as string
func (l *Logger) GetLevel() string {
	return LogLevel(l.level.Load()).String()
}

// SetOutput redirects the logger, mainly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.SetOutput(w)
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	if level < LogLevel(l.level.Load()) {
		return
	}
	l.out.Printf("[%s] %s", level, fmt.Sprintf(format, v...))
}

// Debug logs debug level messages
func (l *Logger) Debug(format string, v ...interface{}) { l.logf(DEBUG, format, v...) }

// Info logs info level messages
func (l *Logger) Info(format string, v ...interface{}) { l.logf(INFO, format, v...) }

// Warn logs warning level messages
func (l *Logger) Warn(format string, v ...interface{}) { l.logf(WARN, format, v...) }

// Error logs error level messages
func (l *Logger) Error(format string, v ...interface{}) { l.logf(ERROR, format, v...) }

// Package-level functions (for direct use like logger.Info())

// SetLogLevel sets the global default log level
func SetLogLevel(level string) { defaultLogger.SetLevel(level) }

// GetLogLevel returns current global log level as string
func GetLogLevel() string { return defaultLogger.GetLevel() }

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) { defaultLogger.SetOutput(w) }

// Debug logs debug level messages (package-level)
func Debug(format string, v ...interface{}) { defaultLogger.Debug(format, v...) }

// Info logs info level messages (package-level)
func Info(format string, v ...interface{}) { defaultLogger.Info(format, v...) }

// Warn logs warning level messages (package-level)
func Warn(format string, v ...interface{}) { defaultLogger.Warn(format, v...) }

// Error logs error level messages (package-level)
func Error(format string, v ...interface{}) { defaultLogger.Error(format, v...) }
