package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines the configuration for the logger.
type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, console
	EnableColor bool   // only honoured in console mode
}

var (
	globalLogger *zap.Logger
	atom         zap.AtomicLevel
	once         sync.Once
)

// DefaultConfig returns a configuration driven by LOG_LEVEL and LOG_FORMAT.
func DefaultConfig() Config {
	return Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Format:      getEnv("LOG_FORMAT", "console"),
		EnableColor: shouldEnableColor(),
	}
}

// FromSettings builds a Config from the loaded application settings, falling
// back to the environment for anything left empty.
func FromSettings(level, format string) Config {
	cfg := DefaultConfig()
	if level != "" {
		cfg.Level = strings.ToLower(level)
	}
	if format != "" {
		cfg.Format = strings.ToLower(format)
	}
	return cfg
}

// Initialize sets up the global logger using the provided configuration.
func Initialize(cfg Config) {
	once.Do(func() {
		globalLogger, atom = build(cfg)
	})
}

// New builds a standalone logger without touching the global one.
func New(cfg Config) *zap.Logger {
	l, _ := build(cfg)
	return l
}

func build(cfg Config) (*zap.Logger, zap.AtomicLevel) {
	if cfg.Format != "json" {
		cfg.Format = "console"
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Format == "console" && cfg.EnableColor {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if cfg.Format == "console" {
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	}

	encoding := cfg.Format
	if cfg.Format == "console" && cfg.EnableColor {
		registerColorEncoder()
		encoding = colorConsoleEncoding
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zapConfig := zap.Config{
		Level:             level,
		Development:       false,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: cfg.Level != "debug" && cfg.Level != "error",
	}

	l, err := zapConfig.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return l, level
}

// Get returns the global logger. Initializes with defaults if not already set.
func Get() *zap.Logger {
	if globalLogger == nil {
		Initialize(DefaultConfig())
	}
	return globalLogger
}

// SetLevel changes the global level at runtime, e.g. after a config reload.
func SetLevel(lvl string) {
	Get()
	atom.SetLevel(parseLevel(lvl))
}

// With creates a child logger and adds structured context to it.
func With(fields ...zap.Field) *zap.Logger {
	return Get().With(fields...)
}

func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.ToLower(value)
	}
	return fallback
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// shouldEnableColor checks NO_COLOR (standard) and LOG_COLOR
func shouldEnableColor() bool {
	if _, noColor := os.LookupEnv("NO_COLOR"); noColor {
		return false
	}
	if val := os.Getenv("LOG_COLOR"); val != "" {
		return val == "true" || val == "1"
	}
	return true
}
