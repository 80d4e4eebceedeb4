package routing

import (
	"context"
	"time"
)

// RouteRequest asks a delivery channel to present a task to a human.
type RouteRequest struct {
	ExecutionID string         `json:"execution_id"`
	Function    string         `json:"function"`
	Channel     string         `json:"channel"`
	Assignee    string         `json:"assignee,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Attempt     int            `json:"attempt"`
	Reason      string         `json:"reason,omitempty"`
	Payload     any            `json:"payload,omitempty"`
	TimeoutAt   time.Time      `json:"timeout_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Router delivers route requests. Routing is best effort: the engine logs
// failures and never rolls back the execution.
type Router interface {
	Route(ctx context.Context, req RouteRequest) error
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, req RouteRequest) error

func (f RouterFunc) Route(ctx context.Context, req RouteRequest) error {
	if f == nil {
		return nil
	}
	return f(ctx, req)
}

// Nop discards route requests.
var Nop Router = RouterFunc(func(context.Context, RouteRequest) error { return nil })
