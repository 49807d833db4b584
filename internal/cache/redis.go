package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/google/web-prototyping-tool-sub004/internal/state"
)

const defaultTTL = 30 * 24 * time.Hour

// Redis keeps snapshots as CBOR values under "snapshot:{projectId}".
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to redisURL and checks the connection.
func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, prefix: "snapshot:", ttl: ttl}
}

func (r *Redis) key(projectID string) string {
	return r.prefix + projectID
}

func (r *Redis) Get(ctx context.Context, projectID string) (state.Snapshot, error) {
	data, err := r.client.Get(ctx, r.key(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return state.Snapshot{}, ErrMiss
	}
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("read snapshot %s: %w", projectID, err)
	}
	return decodeSnapshot(data)
}

// Set writes the snapshot and refreshes its expiry.
func (r *Redis) Set(ctx context.Context, projectID string, snap state.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(projectID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", projectID, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, projectID string) error {
	if err := r.client.Del(ctx, r.key(projectID)).Err(); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", projectID, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
