// Package log provides categorized structured logging for marketpulse.
// It wraps a zap SugaredLogger with a category field and rotates the log
// file through lumberjack when a file path is configured.
package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string into a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Category groups related log messages.
type Category string

const (
	CatOrch       Category = "orch"       // Coordinator and job lifecycle
	CatWorker     Category = "worker"     // Worker process supervision
	CatChannel    Category = "channel"    // Job channels and observers
	CatClassifier Category = "classifier" // Rule loading and classification
	CatAPI        Category = "api"        // HTTP server
	CatDB         Category = "db"         // Database operations
	CatConfig     Category = "config"     // Configuration loading/saving
	CatWatcher    Category = "watcher"    // File watcher events
	CatCache      Category = "cache"      // cache operations
)

// Options configures the global logger.
type Options struct {
	// Level is the minimum level written.
	Level Level
	// File is the log file path. Empty writes console output to stderr.
	File string
	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept.
	MaxBackups int
}

// Logger provides structured logging.
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

// Init initializes the global logger.
// Returns a cleanup function that flushes buffered entries.
func Init(opts Options) (func(), error) {
	logger, closer, err := newLogger(opts)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defaultLogger = logger
	mu.Unlock()

	return func() {
		_ = logger.sugar.Sync()
		if closer != nil {
			_ = closer()
		}
	}, nil
}

func newLogger(opts Options) (*Logger, func() error, error) {
	level := zap.NewAtomicLevelAt(opts.Level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var (
		core   zapcore.Core
		closer func() error
	)
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    max(opts.MaxSizeMB, 1),
			MaxBackups: opts.MaxBackups,
		}
		// Surface permission problems at startup instead of on first write.
		if _, err := rotator.Write(nil); err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level)
		closer = rotator.Close
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	}

	return &Logger{sugar: zap.New(core).Sugar(), level: level}, closer, nil
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger != nil {
		defaultLogger.level.SetLevel(level.zapLevel())
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

// Go runs fn in a goroutine and logs instead of crashing if it panics.
func Go(cat Category, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(cat, "goroutine panicked", "goroutine", name, "panic", fmt.Sprint(r))
			}
		}()
		fn()
	}()
}

func log(level Level, cat Category, msg string, fields ...any) {
	mu.RLock()
	logger := defaultLogger
	mu.RUnlock()
	if logger == nil {
		return
	}

	// Odd field counts keep the orphan key visible.
	if len(fields)%2 != 0 {
		fields = append(fields, "<missing>")
	}
	kv := make([]any, 0, len(fields)+2)
	kv = append(kv, "category", string(cat))
	kv = append(kv, fields...)

	switch level {
	case LevelDebug:
		logger.sugar.Debugw(msg, kv...)
	case LevelInfo:
		logger.sugar.Infow(msg, kv...)
	case LevelWarn:
		logger.sugar.Warnw(msg, kv...)
	default:
		logger.sugar.Errorw(msg, kv...)
	}
}
