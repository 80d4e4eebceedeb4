package scheduler

import (
	"fmt"
	"strings"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for delivery and sweep diagnostics.
func WithLogger(logger humanfn.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used to decide what is due.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepInterval sets how often durable wake-ups are polled.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.sweepInterval = interval
		}
	}
}

// WithBatchSize bounds wake-ups claimed per sweep.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithDeliveryTimeout bounds a single handler invocation.
func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.deliveryTimeout = timeout
		}
	}
}

// WithLocation sets the timezone of the cron sweep.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLocalTimers toggles in-process timers for armed wake-ups. When off,
// delivery relies on the sweep alone.
func WithLocalTimers(enabled bool) Option {
	return func(s *Scheduler) {
		s.localTimers = enabled
	}
}

// cronLogger adapts humanfn.Logger to robfig/cron's logger.
type cronLogger struct {
	logger humanfn.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s", formatKeysAndValues(msg, keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s: %v", formatKeysAndValues(msg, keysAndValues), err)
}

func formatKeysAndValues(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
		} else {
			fmt.Fprintf(&b, " %v", kv[i])
		}
	}
	return b.String()
}
