// Package logger is the process-wide zap wrapper: it initializes the log
// level and encoder, lets stdout/stderr be redirected at runtime (the CLI
// REPL needs this to keep log lines out of the prompt line), and — for this
// gateway's fleet-of-bots shape — builds a second, independent logger per
// Client that rotates to its own file instead of sharing the process-wide
// stream.
package logger

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

var (
	// mu guards the package-level logger state against concurrent Init/SetWriters calls.
	mu sync.Mutex
	// log is the current process-wide zap.Logger.
	log *zap.Logger
	// logLevel lets the level change without rebuilding the whole core.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	// encoderCfg holds the console-encoder settings, refreshed on Init.
	encoderCfg = defaultEncoderConfig()
	// stdoutWriter/stderrWriter are the process-wide logger's sinks.
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
)

// defaultEncoderConfig builds a colored console encoder with a short caller
// and a fixed time layout. Switch to a JSON encoder here for machine-parsed
// output.
func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// rebuildLoggerLocked rebuilds the process-wide logger from the current
// writer/level settings. Callers must already hold mu. AddCallerSkip(1)
// hides this package's own wrapper functions from the caller stack; the
// previous logger is flushed before being replaced.
func rebuildLoggerLocked() {
	encoder := zapcore.NewConsoleEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, stdoutWriter, logLevel)
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init sets up the process-wide logger at the given level: debug, info
// (default), warn, or error, case-insensitively. Safe for concurrent use.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	logLevel.SetLevel(parseLevel(level))
	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// SetWriters redirects the process-wide logger's sinks and rebuilds its
// core; nil falls back to stdout/stderr. Safe to call at runtime, e.g. to
// route around an interactive CLI prompt.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}

	rebuildLoggerLocked()
}

// Logger returns the process-wide zap.Logger, building it lazily on first
// use. Returns the raw (not sugared) API; prefer structured zap.Field args.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled reports whether the process-wide logger's level admits Debug.
func IsDebugEnabled() bool {
	return Logger().Level() <= zap.DebugLevel
}

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal logs at Fatal, flushes, then exits the process with status 1.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync()
	os.Exit(1)
}

// Debugf/Infof/Warnf/Errorf format via fmt.Sprintf; prefer the structured
// variants above on hot paths, since formatting always allocates.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }
func Infof(msg string, a ...any)  { Logger().Info(fmt.Sprintf(msg, a...)) }
func Warnf(msg string, a ...any)  { Logger().Warn(fmt.Sprintf(msg, a...)) }
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// BotLogRotation is the lumberjack policy NewBotLogger applies to a
// Client's log file; its zero value is invalid, use
// config.EnvConfig.BotLogRotation (populated with defaults by config.Load).
type BotLogRotation struct {
	MaxSizeMB  int // rotate after the file reaches this size
	MaxBackups int // retained rotated files
	MaxAgeDays int // retained rotated files older than this are pruned
}

// NewBotLogger builds an independent logger for one Client, writing to
// dir/gateway.log with rotation per rot instead of sharing the process-wide
// stream — each Client owns its storage directory (§5) and so owns its own
// log file too. Every record carries a "bot" field set to botID (the
// numeric id prefix of the bot's token, not the secret part after the
// colon) so a multi-bot deployment's aggregated log shipping can still
// attribute lines when these per-Client files are forwarded centrally.
func NewBotLogger(dir, botID, level string, rot BotLogRotation) *zap.Logger {
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(dir, "gateway.log"),
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   true,
	})
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(defaultEncoderConfig()), writer, zap.NewAtomicLevelAt(parseLevel(level)))
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("bot", botID)))
}
