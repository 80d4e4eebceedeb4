package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	humanfn "github.com/goliatone/go-humanfn"
	"github.com/google/uuid"
)

// ErrSubscriberClosed is returned when sending to a closed subscriber.
var ErrSubscriberClosed = errors.New("subscriber closed")

// ErrSubscriberSlow is returned when a buffered subscriber is full.
var ErrSubscriberSlow = errors.New("subscriber buffer full")

// ChanSubscriber buffers updates on a channel for in-process consumers.
type ChanSubscriber struct {
	id     string
	ch     chan humanfn.Update
	mu     sync.Mutex
	closed bool
}

// NewChanSubscriber creates a subscriber with the given buffer size.
func NewChanSubscriber(buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChanSubscriber{id: uuid.NewString(), ch: make(chan humanfn.Update, buffer)}
}

func (s *ChanSubscriber) ID() string { return s.id }

// Updates exposes the receive side; it is closed with the subscriber.
func (s *ChanSubscriber) Updates() <-chan humanfn.Update { return s.ch }

// Send never blocks; a full buffer counts as a failed send.
func (s *ChanSubscriber) Send(_ context.Context, u humanfn.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.ch <- u:
		return nil
	default:
		return ErrSubscriberSlow
	}
}

func (s *ChanSubscriber) Close(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return nil
}

// FuncSubscriber adapts a function to Subscriber.
type FuncSubscriber struct {
	SubscriberID string
	Fn           func(ctx context.Context, u humanfn.Update) error
}

func (f FuncSubscriber) ID() string { return f.SubscriberID }

func (f FuncSubscriber) Send(ctx context.Context, u humanfn.Update) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, u)
}

// WebSocketSubscriber writes updates as JSON text frames. Writes are
// serialized because the connection does not allow concurrent writers.
type WebSocketSubscriber struct {
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

// NewWebSocketSubscriber wraps an accepted connection.
func NewWebSocketSubscriber(conn *websocket.Conn) *WebSocketSubscriber {
	return &WebSocketSubscriber{id: uuid.NewString(), conn: conn}
}

func (w *WebSocketSubscriber) ID() string { return w.id }

func (w *WebSocketSubscriber) Send(ctx context.Context, u humanfn.Update) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrSubscriberClosed
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (w *WebSocketSubscriber) Close(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
