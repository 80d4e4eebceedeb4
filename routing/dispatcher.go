package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	humanfn "github.com/goliatone/go-humanfn"
)

// ErrNoRoute is returned when no handler serves a channel.
var ErrNoRoute = errors.New("no route for channel")

// Dispatcher fans a route request out to the handlers registered for its
// channel, falling back to a default handler.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string][]entry
	fallback  Router
	nextID    uint64
	exitOnErr bool
	logger    humanfn.Logger
}

type entry struct {
	id     uint64
	router Router
}

// Option defines the functional option signature.
type Option func(*Dispatcher)

// WithExitOnError stops at the first failing handler.
func WithExitOnError() Option {
	return func(d *Dispatcher) {
		d.exitOnErr = true
	}
}

// WithFallback serves channels without registered handlers.
func WithFallback(r Router) Option {
	return func(d *Dispatcher) {
		d.fallback = r
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger humanfn.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher applies the given options to a new dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string][]entry),
		logger:   humanfn.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Subscription removes a registered handler.
type Subscription interface {
	Unsubscribe()
}

type subs struct {
	dispatcher *Dispatcher
	channel    string
	id         uint64
}

func (s *subs) Unsubscribe() {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()

	handlers := d.handlers[s.channel]
	newList := make([]entry, 0, len(handlers))
	for _, h := range handlers {
		if h.id != s.id {
			newList = append(newList, h)
		}
	}
	if len(newList) == 0 {
		delete(d.handlers, s.channel)
		return
	}
	d.handlers[s.channel] = newList
}

// Register adds a handler for a channel.
func (d *Dispatcher) Register(channel string, r Router) Subscription {
	channel = normalizeChannel(channel)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[channel] = append(d.handlers[channel], entry{id: d.nextID, router: r})
	return &subs{dispatcher: d, channel: channel, id: d.nextID}
}

// Channels lists channels with at least one handler.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for ch := range d.handlers {
		out = append(out, ch)
	}
	return out
}

// Route runs every handler of req.Channel.
func (d *Dispatcher) Route(ctx context.Context, req RouteRequest) error {
	if ctx.Err() != nil {
		return fmt.Errorf("context canceled or deadline exceeded: %w", ctx.Err())
	}
	channel := normalizeChannel(req.Channel)
	d.mu.RLock()
	handlers := append([]entry(nil), d.handlers[channel]...)
	fallback := d.fallback
	d.mu.RUnlock()

	if len(handlers) == 0 {
		if fallback == nil {
			return fmt.Errorf("%w %q", ErrNoRoute, channel)
		}
		d.logger.Debug("no handler for channel %s, using fallback", channel)
		handlers = []entry{{router: fallback}}
	}

	var errs error
	for _, h := range handlers {
		if err := callRouter(ctx, h.router, req); err != nil {
			wrapped := fmt.Errorf("route %s via %s: %w", req.ExecutionID, channel, err)
			if d.exitOnErr {
				return wrapped
			}
			errs = errors.Join(errs, wrapped)
		}
	}
	return errs
}

func callRouter(ctx context.Context, r Router, req RouteRequest) (err error) {
	defer humanfn.RecoverPanic("router", &err)
	if r == nil {
		return nil
	}
	return r.Route(ctx, req)
}

func normalizeChannel(channel string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return humanfn.DefaultChannel
	}
	return channel
}
