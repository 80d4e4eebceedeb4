package humanfn

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is implemented by every logger the engine and its adapters accept.
// Messages are printf templates.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is a Logger that can carry key/value pairs.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

var levelRank = map[string]int{
	"trace": 0,
	"debug": 1,
	"info":  2,
	"warn":  3,
	"error": 4,
	"fatal": 5,
}

// FmtLogger writes logfmt-style lines. It backs components that were not
// given a logger and the "fmt" logging driver.
type FmtLogger struct {
	out    io.Writer
	mu     *sync.Mutex
	min    int
	fields map[string]any
}

// NewFmtLogger logs every level to out, or to stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out, mu: &sync.Mutex{}}
}

// WithLevel returns a copy that drops lines below level. Unknown levels
// keep the current threshold.
func (l *FmtLogger) WithLevel(level string) *FmtLogger {
	cp := *l.orDefault()
	if rank, ok := levelRank[strings.ToLower(strings.TrimSpace(level))]; ok {
		cp.min = rank
	}
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write("trace", msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write("debug", msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write("info", msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write("warn", msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write("error", msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write("fatal", msg, args) }

// WithContext tags lines with the actor carried by ctx.
func (l *FmtLogger) WithContext(ctx context.Context) Logger {
	actor := ActorFromContext(ctx, "")
	if actor == "" {
		return l.orDefault()
	}
	return l.WithFields(map[string]any{"actor": actor})
}

func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l.orDefault()
	cp.fields = mergeFields(cp.fields, fields)
	return &cp
}

func (l *FmtLogger) orDefault() *FmtLogger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	return l
}

func (l *FmtLogger) write(level, msg string, args []any) {
	l = l.orDefault()
	if levelRank[level] < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s level=%s msg=%q", time.Now().UTC().Format(time.RFC3339Nano), level, strings.TrimSpace(msg))
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(l.fields[k])
		if strings.ContainsAny(v, " \t\"=") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, b.String())
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Trace(string, ...any) {}
func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Fatal(string, ...any) {}

func (n NopLogger) WithContext(context.Context) Logger { return n }

// NormalizeLogger substitutes a stdout FmtLogger for nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields returns logger tagged with fields, or logger unchanged
// when it cannot carry them.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

func mergeFields(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
