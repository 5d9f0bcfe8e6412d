// Package logging builds the daemon's zap logger: structured output to the
// configured sinks plus an optional OpenTelemetry bridge, with a live log
// level that config reload can adjust.
package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/semanticd/internal/config"
)

// bridgeName identifies log records emitted through the otel bridge.
const bridgeName = "semanticd"

// Logger wraps zap with the live level handle used for hot reload.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New builds a logger from config. otelProvider may be nil to disable the
// OpenTelemetry bridge.
func New(cfg config.LoggingConfig, otelProvider log.LoggerProvider) (*Logger, error) {
	level := zap.NewAtomicLevel()
	if err := setLevel(&level, cfg.Level); err != nil {
		return nil, err
	}

	var cores []zapcore.Core
	for _, path := range cfg.OutputPaths {
		ws, err := openSink(path)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(newEncoder(cfg.Format), ws, level))
	}
	if otelProvider != nil {
		cores = append(cores, otelzap.NewCore(bridgeName,
			otelzap.WithLoggerProvider(otelProvider)))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("logging requires at least one output")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return &Logger{
		Logger: zap.New(core, zap.AddCaller()),
		level:  level,
	}, nil
}

// SetLevel adjusts the live log level; config reload drives this.
func (l *Logger) SetLevel(level string) error {
	return setLevel(&l.level, level)
}

// Level returns the current live level.
func (l *Logger) Level() zapcore.Level { return l.level.Level() }

func setLevel(atomic *zap.AtomicLevel, level string) error {
	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	atomic.SetLevel(parsed)
	return nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening log sink %s: %w", path, err)
		}
		return zapcore.AddSync(f), nil
	}
}
