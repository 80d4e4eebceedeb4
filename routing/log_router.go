package routing

import (
	"context"

	humanfn "github.com/goliatone/go-humanfn"
)

// LogRouter records route requests in the log. It is the default delivery
// when no channel integration is configured.
type LogRouter struct {
	Logger humanfn.Logger
}

func (r LogRouter) Route(ctx context.Context, req RouteRequest) error {
	logger := humanfn.NormalizeLogger(r.Logger).WithContext(ctx)
	logger = humanfn.WithLoggerFields(logger, map[string]any{
		"execution_id": req.ExecutionID,
		"function":     req.Function,
		"channel":      req.Channel,
	})
	if req.Assignee != "" {
		logger.Info("task routed to %s (attempt %d)", req.Assignee, req.Attempt)
		return nil
	}
	logger.Info("task routed (attempt %d)", req.Attempt)
	return nil
}
