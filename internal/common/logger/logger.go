// Package logger builds the zap logger used by the service binaries: a
// console core and an optional rotating file core, each with its own
// atomic level so the process can log startup and shutdown at INFO while
// running at the configured level in between.
package logger

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/littb/snapshot/internal/common/configtypes"
)

// DynamicLogger is a zap.Logger whose output levels can be changed at runtime
type DynamicLogger struct {
	*zap.Logger
	consoleLevel *zap.AtomicLevel
	fileLevel    *zap.AtomicLevel
	configured   configtypes.LogConfig
}

// NewLogger builds a logger at the configured levels
func NewLogger(cfg configtypes.LogConfig) (*DynamicLogger, error) {
	return build(cfg, cfg, os.Stdout)
}

// NewLoggerWithStartupOverride builds a logger that runs at INFO until
// SwitchToConfiguredLevel is called, when the configured level is quieter
// than INFO
func NewLoggerWithStartupOverride(cfg configtypes.LogConfig) (*DynamicLogger, error) {
	return build(startupConfig(cfg), cfg, os.Stdout)
}

// NewDefaultLogger is a debug console logger for use before the config is loaded
func NewDefaultLogger() (*DynamicLogger, error) {
	cfg := configtypes.LogConfig{
		Level: configtypes.LogLevelDebug,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatConsole,
		},
	}
	return NewLogger(cfg)
}

func startupConfig(cfg configtypes.LogConfig) configtypes.LogConfig {
	if parseLogLevel(cfg.Level) <= zap.InfoLevel {
		return cfg
	}
	startup := cfg
	startup.Level = configtypes.LogLevelInfo
	// explicit per-output levels are honoured as is
	if startup.Console.Enabled && startup.Console.Level == "" {
		startup.Console.Level = configtypes.LogLevelInfo
	}
	if startup.File.Enabled && startup.File.Level == "" {
		startup.File.Level = configtypes.LogLevelInfo
	}
	return startup
}

func build(active, configured configtypes.LogConfig, console io.Writer) (*DynamicLogger, error) {
	globalLevel := parseLogLevel(active.Level)
	dl := &DynamicLogger{configured: configured}

	var cores []zapcore.Core
	if active.Console.Enabled {
		level := zap.NewAtomicLevelAt(resolveLogLevel(active.Console.Level, globalLevel))
		dl.consoleLevel = &level
		cores = append(cores, zapcore.NewCore(
			createEncoder(active.Console.Format),
			zapcore.Lock(zapcore.AddSync(console)),
			level,
		))
	}

	if active.File.Enabled {
		if active.File.Path == "" {
			return nil, fmt.Errorf("file.path must be specified when file logging is enabled")
		}
		level := zap.NewAtomicLevelAt(resolveLogLevel(active.File.Level, globalLevel))
		dl.fileLevel = &level
		cores = append(cores, zapcore.NewCore(
			createEncoder(active.File.Format),
			createFileWriter(active.File.Path, active.File.Rotation),
			level,
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	}

	dl.Logger = zap.New(zapcore.NewTee(cores...))
	return dl, nil
}

// SwitchToConfiguredLevel moves every output to its configured level
func (dl *DynamicLogger) SwitchToConfiguredLevel() {
	globalLevel := parseLogLevel(dl.configured.Level)
	dl.Info("Switching logger to configured level", zap.String("level", dl.configured.Level))

	if dl.consoleLevel != nil {
		dl.consoleLevel.SetLevel(resolveLogLevel(dl.configured.Console.Level, globalLevel))
	}
	if dl.fileLevel != nil {
		dl.fileLevel.SetLevel(resolveLogLevel(dl.configured.File.Level, globalLevel))
	}
}

// EnsureInfoLevelForShutdown lowers quieter outputs to INFO so the shutdown
// sequence is visible
func (dl *DynamicLogger) EnsureInfoLevelForShutdown() {
	changed := false
	for _, level := range []*zap.AtomicLevel{dl.consoleLevel, dl.fileLevel} {
		if level != nil && level.Level() > zap.InfoLevel {
			level.SetLevel(zap.InfoLevel)
			changed = true
		}
	}
	if changed {
		dl.Info("Switched to INFO level for shutdown visibility")
	}
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case configtypes.LogLevelDebug:
		return zap.DebugLevel
	case configtypes.LogLevelWarn:
		return zap.WarnLevel
	case configtypes.LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// resolveLogLevel prefers the output's own level over the global one
func resolveLogLevel(outputLevel string, globalLevel zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return parseLogLevel(outputLevel)
	}
	return globalLevel
}

func createEncoder(format string) zapcore.Encoder {
	if format == configtypes.LogFormatJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if format == configtypes.LogFormatText {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func createFileWriter(path string, rotation configtypes.RotationConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxAge:     rotation.MaxAge,
		MaxBackups: rotation.MaxBackups,
		Compress:   rotation.Compress,
	})
}
