package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger is the structured logger every component receives. WithContext
// lifts the virtual user, iteration and phase carried by ctx into fields.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	WithFields(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Field is one key/value attached to a log entry
type Field struct {
	Key   string
	Value interface{}
}

type contextKey string

const (
	// VirtualUserKey carries the id of the virtual user driving a session
	VirtualUserKey contextKey = "virtual_user"
	// IterationKey carries the current iteration number
	IterationKey contextKey = "iteration"
	// PhaseKey carries the execution phase (initialize, action, finalize)
	PhaseKey contextKey = "phase"
)

// LogLevel orders entries by severity
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps LOG_LEVEL spellings onto a LogLevel. Unknown values fall
// back to InfoLevel.
func ParseLevel(levelStr string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG", "TRACE":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// LogConfig configures NewZapLogger. A nil Output writes to stdout.
type LogConfig struct {
	Level      LogLevel
	Output     io.Writer
	TimeFormat string
}

// DefaultLogConfig logs to stdout at the level named by LOG_LEVEL
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      ParseLevel(os.Getenv("LOG_LEVEL")),
		TimeFormat: time.RFC3339,
	}
}

var (
	globalLogger Logger
	globalMu     sync.RWMutex
	initOnce     sync.Once
)

// SetGlobalLogger replaces the process-wide logger
func SetGlobalLogger(logger Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the process-wide logger, creating a stdout logger
// on first use when none was set
func GetGlobalLogger() Logger {
	initOnce.Do(func() {
		globalMu.Lock()
		defer globalMu.Unlock()
		if globalLogger == nil {
			globalLogger = NewDefaultLogger()
		}
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

func Debug(msg string, fields ...Field) { GetGlobalLogger().Debug(msg, fields...) }

func Info(msg string, fields ...Field) { GetGlobalLogger().Info(msg, fields...) }

func Warn(msg string, fields ...Field) { GetGlobalLogger().Warn(msg, fields...) }

func Error(msg string, err error, fields ...Field) { GetGlobalLogger().Error(msg, err, fields...) }
