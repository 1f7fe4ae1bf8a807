// Package logging provides structured logging for fieldsync.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a configuration string onto a LogLevel.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger provides structured JSON logging.
type Logger struct {
	out      io.Writer
	minLevel LogLevel
	backend  *logrus.Logger
}

var (
	// global logger instance
	global *Logger
	mu     sync.Mutex
)

// New creates a standalone logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	backend := logrus.New()
	backend.SetOutput(out)
	backend.SetLevel(minLevel.logrus())
	backend.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return &Logger{out: out, minLevel: minLevel, backend: backend}
}

// Init initializes the global logger. Later calls replace it, so the CLI can
// apply the configured level after flags are parsed.
func Init(out io.Writer, minLevel LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	global = New(out, minLevel)
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global = New(os.Stderr, LevelInfo)
	}
	return global
}

// Level returns the minimum level the logger emits.
func (l *Logger) Level() LogLevel {
	return l.minLevel
}

func (l *Logger) entry(err error, context []map[string]interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}
	e := l.backend.WithFields(fields)
	if err != nil {
		e = e.WithError(err)
	}
	return e
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.entry(nil, context).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.entry(nil, context).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.entry(nil, context).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.entry(err, context).Error(message)
}

// ErrorWithCode logs an error message tagged with an application error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	context = append(context, map[string]interface{}{"error_code": code})
	l.entry(err, context).Error(message)
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
