// Package zaplog adapts a zap logger to the nanolib Logger interface.
package zaplog

import (
	"fmt"
	"strings"

	"github.com/micromdm/nanolib/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap sugared logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New creates a new Logger from logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{sugar: logger.Sugar()}
}

// NewLogger builds a zap logger at level writing JSON or, if json is
// false, console lines to stderr. An empty level means info.
func NewLogger(level string, json bool) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if !json {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

// split removes the "msg" key and its value from args.
func split(args []interface{}) (string, []interface{}) {
	var msg string
	kvs := make([]interface{}, 0, len(args))
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if k, ok := args[i].(string); ok && k == "msg" {
				msg = fmt.Sprint(args[i+1])
				continue
			}
			kvs = append(kvs, args[i], args[i+1])
		} else {
			kvs = append(kvs, args[i])
		}
	}
	return msg, kvs
}

// Info logs using the info level.
func (l *Logger) Info(args ...interface{}) {
	msg, kvs := split(args)
	l.sugar.Infow(msg, kvs...)
}

// Debug logs using the debug level.
func (l *Logger) Debug(args ...interface{}) {
	msg, kvs := split(args)
	l.sugar.Debugw(msg, kvs...)
}

// With nests the Logger.
func (l *Logger) With(args ...interface{}) log.Logger {
	return &Logger{sugar: l.sugar.With(args...)}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
