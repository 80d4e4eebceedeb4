package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes route requests as JSON on a per-channel pub/sub
// topic and appends them to a per-channel list so workers that were offline
// can drain them.
type RedisPublisher struct {
	client  redis.UniversalClient
	prefix  string
	maxList int64
}

// NewRedisPublisher builds a publisher; prefix defaults to "humanfn:route:".
func NewRedisPublisher(client redis.UniversalClient, prefix string, maxList int64) *RedisPublisher {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "humanfn:route:"
	}
	if maxList <= 0 {
		maxList = 1000
	}
	return &RedisPublisher{client: client, prefix: prefix, maxList: maxList}
}

// Topic returns the pub/sub topic for a channel.
func (p *RedisPublisher) Topic(channel string) string {
	return p.prefix + normalizeChannel(channel)
}

// QueueKey returns the backlog list key for a channel.
func (p *RedisPublisher) QueueKey(channel string) string {
	return p.Topic(channel) + ":queue"
}

func (p *RedisPublisher) Route(ctx context.Context, req RouteRequest) error {
	if p == nil || p.client == nil {
		return errors.New("redis publisher not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal route request: %w", err)
	}
	topic := p.Topic(req.Channel)
	queue := p.QueueKey(req.Channel)
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, queue, payload)
		pipe.LTrim(ctx, queue, 0, p.maxList-1)
		pipe.Publish(ctx, topic, payload)
		return nil
	})
	return err
}
