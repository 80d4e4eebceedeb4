package logging

import (
	"context"
	"io"
	"os"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-logger/glog"
)

// Glog adapts a go-logger logger to humanfn.Logger.
type Glog struct {
	logger glog.Logger
}

// NewGlog builds a JSON go-logger writing to w, stdout by default.
func NewGlog(cfg Config, w io.Writer) humanfn.Logger {
	if w == nil {
		w = os.Stdout
	}
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	return WrapGlog(glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	))
}

// WrapGlog adapts an existing go-logger logger.
func WrapGlog(l glog.Logger) humanfn.Logger {
	if l == nil {
		return humanfn.NewFmtLogger(nil)
	}
	return Glog{logger: l}
}

func (l Glog) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l Glog) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l Glog) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l Glog) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l Glog) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l Glog) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l Glog) WithContext(ctx context.Context) humanfn.Logger {
	return Glog{logger: l.logger.WithContext(ctx)}
}

func (l Glog) WithFields(fields map[string]any) humanfn.Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return Glog{logger: fl.WithFields(fields)}
	}
	return l
}
