package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Component identifies a subsystem for log filtering.
type Component string

// HECI component identifiers.
const (
	ComponentBus       Component = "bus"
	ComponentHBM       Component = "hbm"
	ComponentDispatch  Component = "dispatch"
	ComponentClient    Component = "client"
	ComponentTransport Component = "transport"
	ComponentHost      Component = "host"
	ComponentCapture   Component = "capture"
	ComponentConfig    Component = "config"
	ComponentProfile   Component = "prof"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Console format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the default logger used by the HECI packages.
	DefaultLogger *zap.Logger

	// logLevel controls the minimum log level.
	logLevel = zap.NewAtomicLevelAt(zapcore.WarnLevel)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	DefaultLogger = newLogger(zapcore.Lock(os.Stderr), LogFormatText, logLevel)
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

func newEncoder(format LogFormat) zapcore.Encoder {
	if format == LogFormatJSON {
		return zapcore.NewJSONEncoder(encoderConfig())
	}
	return zapcore.NewConsoleEncoder(encoderConfig())
}

func newLogger(ws zapcore.WriteSyncer, format LogFormat, level zapcore.LevelEnabler) *zap.Logger {
	return zap.New(zapcore.NewCore(newEncoder(format), ws, level))
}

// SetLogLevel sets the minimum log level for all HECI logging.
func SetLogLevel(level zapcore.Level) {
	logLevel.SetLevel(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() zapcore.Level {
	return logLevel.Level()
}

// ParseLogLevel parses a level name such as "debug" or "warn".
// "warning" is accepted as an alias for "warn".
func ParseLogLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	return zapcore.ParseLevel(s)
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *zap.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log level.
func SetLogFormat(format LogFormat) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = newLogger(zapcore.Lock(os.Stderr), format, logLevel)
}

// NewLogger creates a new console logger writing to the given writer.
// A nil level uses the shared log level.
func NewLogger(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	if level == nil {
		level = logLevel
	}
	return newLogger(zapcore.AddSync(w), LogFormatText, level)
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
// A nil level uses the shared log level.
func NewJSONLogger(w io.Writer, level zapcore.LevelEnabler) *zap.Logger {
	if level == nil {
		level = logLevel
	}
	return newLogger(zapcore.AddSync(w), LogFormatJSON, level)
}

// RotationOptions controls rotation of file log outputs.
type RotationOptions struct {
	Enable     bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LogOptions describes a logger built by [ConfigureLogging].
type LogOptions struct {
	Level    string   // debug, info, warn, error
	Format   string   // console or json
	Outputs  []string // stdout, stderr, or file paths
	Rotation RotationOptions
}

// ConfigureLogging builds a logger from opts, installs it as the default
// logger and sets the shared log level. The caller should Sync the returned
// logger before exit.
func ConfigureLogging(opts LogOptions) (*zap.Logger, error) {
	level, err := ParseLogLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logLevel.SetLevel(level)

	format := LogFormatText
	if strings.EqualFold(opts.Format, "json") {
		format = LogFormatJSON
	}
	encoder := newEncoder(format)

	outputs := opts.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	cores := make([]zapcore.Core, 0, len(outputs))
	for _, out := range outputs {
		ws, err := openOutput(out, opts.Rotation)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, logLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
	SetLogger(logger)
	return logger, nil
}

func openOutput(out string, rot RotationOptions) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(out) {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	if rot.Enable {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(rot.MaxSizeMB, 1),
			MaxBackups: max(rot.MaxBackups, 1),
			MaxAge:     max(rot.MaxAgeDays, 1),
			Compress:   rot.Compress,
		}), nil
	}

	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.AddSync(f), nil
}

func sugar() *zap.SugaredLogger {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	return logger.Sugar()
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	sugar().Debugw(msg, append([]any{"component", string(component)}, args...)...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	sugar().Infow(msg, append([]any{"component", string(component)}, args...)...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	sugar().Warnw(msg, append([]any{"component", string(component)}, args...)...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	sugar().Errorw(msg, append([]any{"component", string(component)}, args...)...)
}
