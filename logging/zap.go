package logging

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	humanfn "github.com/goliatone/go-humanfn"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap adapts a sugared zap logger to humanfn.Logger. Messages keep the
// printf style of the engine.
type Zap struct {
	s *zap.SugaredLogger
}

// NewZap builds a zap logger from cfg, writing to w when set.
func NewZap(cfg Config, w io.Writer) (humanfn.Logger, error) {
	level := zapLevel(cfg.Level)
	console := strings.EqualFold(cfg.Format, "console")

	var encoderConfig zapcore.EncoderConfig
	if console {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if w != nil {
		var enc zapcore.Encoder
		if console {
			enc = zapcore.NewConsoleEncoder(encoderConfig)
		} else {
			enc = zapcore.NewJSONEncoder(encoderConfig)
		}
		core := zapcore.NewCore(enc, zapcore.AddSync(w), zap.NewAtomicLevelAt(level))
		return WrapZap(zap.New(core)), nil
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      console,
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if console {
		zapConfig.Encoding = "console"
	}
	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return WrapZap(logger), nil
}

// WrapZap adapts an existing zap logger.
func WrapZap(l *zap.Logger) humanfn.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Zap{s: l.Sugar()}
}

func (l Zap) Trace(msg string, args ...any) { l.s.Debugf(msg, args...) }
func (l Zap) Debug(msg string, args ...any) { l.s.Debugf(msg, args...) }
func (l Zap) Info(msg string, args ...any)  { l.s.Infof(msg, args...) }
func (l Zap) Warn(msg string, args ...any)  { l.s.Warnf(msg, args...) }
func (l Zap) Error(msg string, args ...any) { l.s.Errorf(msg, args...) }

// Fatal logs at error level; the engine never exits the process.
func (l Zap) Fatal(msg string, args ...any) { l.s.Errorf(msg, args...) }

func (l Zap) WithContext(context.Context) humanfn.Logger { return l }

func (l Zap) WithFields(fields map[string]any) humanfn.Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return Zap{s: l.s.With(kv...)}
}

func zapLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
