package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	humanfn "github.com/goliatone/go-humanfn"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists records as JSON strings and keeps wake-ups in a sorted
// set scored by due time (unix milliseconds).
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithRecordTTL expires records after ttl; zero keeps them forever.
func WithRecordTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore builds a store over an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, keyPrefix: "humanfn:"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load reads the record for id.
func (s *RedisStore) Load(ctx context.Context, id string) (*humanfn.ExecutionRecord, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	return s.loadRecord(ctx, s.client, s.recordKey(id))
}

// Save writes rec with WATCH based compare-and-set.
func (s *RedisStore) Save(ctx context.Context, rec *humanfn.ExecutionRecord, expectedVersion int) (int, error) {
	if s == nil || s.client == nil {
		return 0, errors.New("redis store not configured")
	}
	next, err := normalizeRecord(rec)
	if err != nil {
		return 0, err
	}
	key := s.recordKey(next.ExecutionID)
	var version int
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.loadRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		version, err = applyVersion(next, current, expectedVersion)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{
				Score:  float64(next.CreatedAt.UnixMilli()),
				Member: next.ExecutionID,
			})
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return 0, ErrStateVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// List returns records matching filter, newest first.
func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]*humanfn.ExecutionRecord, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	limit := filter.limit()
	out := make([]*humanfn.ExecutionRecord, 0)
	for _, id := range ids {
		rec, err := s.loadRecord(ctx, s.client, s.recordKey(id))
		if err != nil {
			return nil, err
		}
		if rec == nil {
			// expired through ttl
			s.client.ZRem(ctx, s.indexKey(), id)
			continue
		}
		if !filter.matches(rec) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PutWakeup replaces the wake-up slot for the execution.
func (s *RedisStore) PutWakeup(ctx context.Context, w humanfn.Wakeup) error {
	if s == nil || s.client == nil {
		return errors.New("redis store not configured")
	}
	w, err := normalizeWakeup(w)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.wakeupKey(w.ExecutionID), payload, 0)
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{
			Score:  float64(w.ScheduledFor.UnixMilli()),
			Member: w.ExecutionID,
		})
		return nil
	})
	return err
}

// GetWakeup returns the armed wake-up, or nil.
func (s *RedisStore) GetWakeup(ctx context.Context, executionID string) (*humanfn.Wakeup, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	return s.loadWakeup(ctx, s.client, s.wakeupKey(strings.TrimSpace(executionID)))
}

// DeleteWakeup removes the slot when token matches.
func (s *RedisStore) DeleteWakeup(ctx context.Context, executionID, token string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("redis store not configured")
	}
	executionID = strings.TrimSpace(executionID)
	key := s.wakeupKey(executionID)
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.loadWakeup(ctx, tx, key)
		if err != nil {
			return err
		}
		if current == nil || (token != "" && current.Token != token) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.dueKey(), executionID)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// re-armed concurrently; the new slot wins
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// DueWakeups returns wake-ups due at now, oldest first.
func (s *RedisStore) DueWakeups(ctx context.Context, now time.Time, limit int) ([]humanfn.Wakeup, error) {
	return s.rangeWakeups(ctx, strconv.FormatInt(now.UTC().UnixMilli(), 10), limit)
}

// PendingWakeups returns every armed wake-up, oldest first.
func (s *RedisStore) PendingWakeups(ctx context.Context, limit int) ([]humanfn.Wakeup, error) {
	return s.rangeWakeups(ctx, "+inf", limit)
}

func (s *RedisStore) rangeWakeups(ctx context.Context, max string, limit int) ([]humanfn.Wakeup, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]humanfn.Wakeup, 0, len(ids))
	for _, id := range ids {
		w, err := s.loadWakeup(ctx, s.client, s.wakeupKey(id))
		if err != nil {
			return nil, err
		}
		if w == nil {
			s.client.ZRem(ctx, s.dueKey(), id)
			continue
		}
		out = append(out, *w)
	}
	sortWakeups(out)
	return out, nil
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) loadRecord(ctx context.Context, c redisGetter, key string) (*humanfn.ExecutionRecord, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec humanfn.ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode execution record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) loadWakeup(ctx context.Context, c redisGetter, key string) (*humanfn.Wakeup, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var w humanfn.Wakeup
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode wake-up: %w", err)
	}
	return &w, nil
}

func (s *RedisStore) recordKey(id string) string { return s.keyPrefix + "exec:" + id }
func (s *RedisStore) wakeupKey(id string) string { return s.keyPrefix + "wakeup:" + id }
func (s *RedisStore) indexKey() string           { return s.keyPrefix + "executions" }
func (s *RedisStore) dueKey() string             { return s.keyPrefix + "wakeups" }
