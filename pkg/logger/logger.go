// Package logger owns the process-wide zap logger. Subsystems take
// named children of it, e.g. logger.Get().Named("scheduler"). Output
// always goes to stdout; log shipping is the deployment's problem.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	once   sync.Once
)

// Config holds logger configuration.
type Config struct {
	Level    string // debug, info, warn, error
	Encoding string // json or console
}

// Init builds the global logger. The first call wins; later calls
// return the logger built by the first.
func Init(cfg Config) (*zap.Logger, error) {
	var err error
	once.Do(func() {
		global, err = build(cfg)
	})
	return global, err
}

// Get returns the global logger, falling back to info-level JSON when
// Init has not run (tests, mostly).
func Get() *zap.Logger {
	if global == nil {
		global, _ = build(Config{Level: "info", Encoding: "json"})
	}
	return global
}

// Sync flushes any buffered log entries.
func Sync() error {
	if global != nil {
		return global.Sync()
	}
	return nil
}

func build(cfg Config) (*zap.Logger, error) {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.SecondsDurationEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(enc)
	} else {
		encoder = zapcore.NewJSONEncoder(enc)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), parseLevel(cfg.Level))
	return zap.New(core,
		zap.AddCaller(),
		zap.Fields(zap.String("service", "emberci")),
	), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
