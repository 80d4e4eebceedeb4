package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
)

// Subscriber receives real-time updates for one execution.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, u humanfn.Update) error
}

// Closer is implemented by subscribers holding a connection.
type Closer interface {
	Close(reason string) error
}

// Hub keeps the ephemeral subscriber sets keyed by execution. Subscriber
// handles are never persisted.
type Hub struct {
	mu          sync.RWMutex
	subs        map[string]map[string]*entry
	sendTimeout time.Duration
	logger      humanfn.Logger
	onDrop      func(executionID, subscriberID string, err error)
}

// entry is one registration. A failed send removes only the entry it was
// made through.
type entry struct {
	sub Subscriber
}

// Option configures a Hub.
type Option func(*Hub)

// WithSendTimeout bounds a single subscriber send.
func WithSendTimeout(timeout time.Duration) Option {
	return func(h *Hub) {
		if timeout > 0 {
			h.sendTimeout = timeout
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger humanfn.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithDropHandler observes subscribers removed after a failed send.
func WithDropHandler(fn func(executionID, subscriberID string, err error)) Option {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

// NewHub builds an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:        make(map[string]map[string]*entry),
		sendTimeout: 5 * time.Second,
		logger:      humanfn.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.logger = humanfn.WithLoggerFields(h.logger, map[string]any{"component": "fanout"})
	return h
}

// Add registers sub for an execution. Re-adding the same id replaces it.
func (h *Hub) Add(executionID string, sub Subscriber) error {
	if h == nil {
		return errors.New("fanout hub not configured")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return errors.New("execution id required")
	}
	if sub == nil || strings.TrimSpace(sub.ID()) == "" {
		return errors.New("subscriber with id required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[executionID]
	if !ok {
		set = make(map[string]*entry)
		h.subs[executionID] = set
	}
	set[sub.ID()] = &entry{sub: sub}
	return nil
}

// Remove drops a subscriber and reports whether it was present.
func (h *Hub) Remove(executionID, subscriberID string) bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[executionID]
	if !ok {
		return false
	}
	if _, ok := set[subscriberID]; !ok {
		return false
	}
	delete(set, subscriberID)
	if len(set) == 0 {
		delete(h.subs, executionID)
	}
	return true
}

// Count returns the number of subscribers for an execution.
func (h *Hub) Count(executionID string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[executionID])
}

// Send delivers u to one subscriber. A registered subscriber is dropped on
// failure.
func (h *Hub) Send(ctx context.Context, sub Subscriber, u humanfn.Update) error {
	if h == nil || sub == nil {
		return errors.New("fanout hub not configured")
	}
	h.mu.RLock()
	ent := h.subs[u.ExecutionID][sub.ID()]
	h.mu.RUnlock()
	if err := h.send(ctx, sub, u); err != nil {
		if ent != nil {
			h.drop(u.ExecutionID, ent, err)
		}
		return err
	}
	return nil
}

// Publish sends u to every subscriber of its execution. A failing subscriber
// is removed; the others are unaffected. Returns the successful sends.
func (h *Hub) Publish(ctx context.Context, u humanfn.Update) int {
	if h == nil {
		return 0
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	targets := make([]*entry, 0, len(h.subs[u.ExecutionID]))
	for _, ent := range h.subs[u.ExecutionID] {
		targets = append(targets, ent)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, ent := range targets {
		if err := h.send(ctx, ent.sub, u); err != nil {
			h.drop(u.ExecutionID, ent, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Close drops and closes every subscriber.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[string]*entry)
	h.mu.Unlock()
	for _, set := range all {
		for _, ent := range set {
			if c, ok := ent.sub.(Closer); ok {
				_ = c.Close("shutting down")
			}
		}
	}
}

func (h *Hub) send(ctx context.Context, sub Subscriber, u humanfn.Update) (err error) {
	defer humanfn.RecoverPanic("subscriber send", &err)
	sctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	return sub.Send(sctx, u)
}

func (h *Hub) drop(executionID string, ent *entry, err error) {
	sub := ent.sub
	h.mu.Lock()
	set := h.subs[executionID]
	if set[sub.ID()] != ent {
		h.mu.Unlock()
		return
	}
	delete(set, sub.ID())
	if len(set) == 0 {
		delete(h.subs, executionID)
	}
	h.mu.Unlock()

	h.logger.Warn("dropping subscriber %s of %s: %v", sub.ID(), executionID, err)
	if c, ok := sub.(Closer); ok {
		_ = c.Close("delivery failed")
	}
	if h.onDrop != nil {
		h.onDrop(executionID, sub.ID(), err)
	}
}
