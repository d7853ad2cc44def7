package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts uber-go/zap's sugared logger to the Logger contract.
type ZapLogger struct {
	zl    *zap.Logger
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a zap-backed logger writing to stdout. level is one
// of debug, info, warn, error; format is json (machine collection) or
// text (console development output).
func NewZapLogger(level, format string) (*ZapLogger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info":
		lvl = zapcore.InfoLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.SecondsDurationEncoder

	var enc zapcore.Encoder
	switch format {
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "text", "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	zl := zap.New(
		zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
	)
	return &ZapLogger{zl: zl, sugar: zl.Sugar()}, nil
}

func (l *ZapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

// With creates a child logger whose entries always carry the given
// key-value pairs.
func (l *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{zl: l.zl, sugar: l.sugar.With(args...)}
}

// Sync flushes any buffered log entries. Call before exiting.
func (l *ZapLogger) Sync() error {
	return l.zl.Sync()
}
