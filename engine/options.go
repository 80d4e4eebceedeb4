package engine

import (
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/goliatone/go-humanfn/routing"
)

// Option configures an Engine.
type Option func(*Engine)

// WithRouter sets the delivery collaborator. Without one, routing is skipped.
func WithRouter(r routing.Router) Option {
	return func(e *Engine) {
		e.router = r
	}
}

// WithDefinitions sets the function resolver. Defaults to an in-memory registry.
func WithDefinitions(defs Definitions) Option {
	return func(e *Engine) {
		if defs != nil {
			e.defs = defs
		}
	}
}

// WithHub sets the subscriber fan-out.
func WithHub(h Hub) Option {
	return func(e *Engine) {
		if h != nil {
			e.hub = h
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithLogger(logger humanfn.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the time source for timestamps and due checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultTimeout applies when neither options nor routing set a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithHookTimeout bounds each lifecycle hook call.
func WithHookTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.hookTimeout = d
		}
	}
}

// WithRouteTimeout bounds each routing call.
func WithRouteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.routeTimeout = d
		}
	}
}

func WithDefaultChannel(channel string) Option {
	return func(e *Engine) {
		if channel != "" {
			e.defaultChannel = channel
		}
	}
}

// WithRetryDefaults is used by definitions that carry no retry policy.
func WithRetryDefaults(policy humanfn.RetryPolicy) Option {
	return func(e *Engine) {
		e.retryDefaults = policy
	}
}
