// Package redis keeps the latest run status in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/hnsnap/internal/crawler"
)

type client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// Options configures the store.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// StatusStore implements crawler.StatusStore. Each run is a JSON value at
// prefix+runID that expires after TTL.
type StatusStore struct {
	client client
	prefix string
	ttl    time.Duration
}

// NewStatusStore connects a Redis client and pings it.
func NewStatusStore(ctx context.Context, opts Options) (*StatusStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	c := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newStatusStore(c, opts.Prefix, opts.TTL), nil
}

func newStatusStore(c client, prefix string, ttl time.Duration) *StatusStore {
	return &StatusStore{client: c, prefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (s *StatusStore) Close() error {
	return s.client.Close()
}

// PutStatus writes status, replacing any earlier value for the run.
func (s *StatusStore) PutStatus(ctx context.Context, status crawler.RunStatus) error {
	if status.RunID == "" {
		return errors.New("run id is required")
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+status.RunID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set status %s: %w", status.RunID, err)
	}
	return nil
}

// GetStatus reads the status of runID. ok is false when the key is absent
// or expired.
func (s *StatusStore) GetStatus(ctx context.Context, runID string) (status crawler.RunStatus, ok bool, err error) {
	val, err := s.client.Get(ctx, s.prefix+runID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return crawler.RunStatus{}, false, nil
		}
		return crawler.RunStatus{}, false, fmt.Errorf("get status %s: %w", runID, err)
	}
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return crawler.RunStatus{}, false, fmt.Errorf("decode status %s: %w", runID, err)
	}
	return status, true, nil
}
