package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggers     = make(map[string]*Logger)
	loggerMutex sync.Mutex
)

// LogConfig holds configuration for logger instances.
type LogConfig struct {
	ServiceName string // e.g. "controller", "node-1"
	LogLevel    string // "debug", "info", "warn", "error"
	Development bool
}

// Logger wraps zap.Logger with service context.
type Logger struct {
	*zap.Logger
	serviceID string
}

// GetLogger returns the logger for a service, creating it on first use.
// Loggers are cached per service name.
func GetLogger(config LogConfig) (*Logger, error) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if logger, exists := loggers[config.ServiceName]; exists {
		return logger, nil
	}

	var level zapcore.Level
	switch config.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      config.Development,
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger for %s: %w", config.ServiceName, err)
	}

	logger := &Logger{
		Logger:    zapLogger,
		serviceID: config.ServiceName,
	}
	loggers[config.ServiceName] = logger
	return logger, nil
}

// NewNop returns a no-op logger for tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), serviceID: "test"}
}

// Info logs an info message with service context.
func (l *Logger) Info(msg string, fields ...zapcore.Field) {
	l.Logger.Info(msg, l.withService(fields)...)
}

// Error logs an error message with service context.
func (l *Logger) Error(msg string, fields ...zapcore.Field) {
	l.Logger.Error(msg, l.withService(fields)...)
}

// Debug logs a debug message with service context.
func (l *Logger) Debug(msg string, fields ...zapcore.Field) {
	l.Logger.Debug(msg, l.withService(fields)...)
}

// Warn logs a warning message with service context.
func (l *Logger) Warn(msg string, fields ...zapcore.Field) {
	l.Logger.Warn(msg, l.withService(fields)...)
}

func (l *Logger) withService(fields []zapcore.Field) []zapcore.Field {
	return append([]zapcore.Field{zap.String("service", l.serviceID)}, fields...)
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.Logger.Sync()
}

// Shutdown closes all loggers.
func Shutdown() {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	for _, logger := range loggers {
		_ = logger.Close()
	}
}
