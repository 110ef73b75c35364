// Package logger provides the process-wide structured logger.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global sugared logger. Safe to use before Initialize
	// (falls back to a no-op logger so early package init never panics).
	Logger *zap.SugaredLogger
	// JSONOutput reports whether the current logger emits JSON.
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize configures the global logger. jsonOutput selects
// zap's production JSON encoder (for PRODUCTION); otherwise a minimal
// human-readable console encoder is used.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = cfg.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				newMinimalEncoder(),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Cleanup flushes buffered log entries. Sync errors on stdout/stderr are
// common and ignorable on Linux; callers may discard the return value.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

func Info(args ...interface{})                       { Logger.Info(args...) }
func Infof(format string, args ...interface{})        { Logger.Infof(format, args...) }
func Infow(msg string, kv ...interface{})             { Logger.Infow(msg, kv...) }
func Warn(args ...interface{})                        { Logger.Warn(args...) }
func Warnf(format string, args ...interface{})        { Logger.Warnf(format, args...) }
func Warnw(msg string, kv ...interface{})             { Logger.Warnw(msg, kv...) }
func Error(args ...interface{})                       { Logger.Error(args...) }
func Errorf(format string, args ...interface{})       { Logger.Errorf(format, args...) }
func Errorw(msg string, kv ...interface{})            { Logger.Errorw(msg, kv...) }
func Debug(args ...interface{})                       { Logger.Debug(args...) }
func Debugw(msg string, kv ...interface{})            { Logger.Debugw(msg, kv...) }
