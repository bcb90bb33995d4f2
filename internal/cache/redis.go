package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onetool-io/mailingest/internal/config"
)

// DefaultKeyPrefix namespaces guard keys.
const DefaultKeyPrefix = "mailingest:inflight:"

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// redisCmdable is the subset of redis.Cmdable the guard uses.
type redisCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard implements Guard with SET NX so that concurrent deliveries across
// processes are rejected.
type RedisGuard struct {
	client    redisCmdable
	keyPrefix string
	metrics   *GuardMetrics
}

// NewRedisGuard creates a guard on an existing client.
func NewRedisGuard(client redisCmdable, keyPrefix string, metrics *GuardMetrics) *RedisGuard {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisGuard{client: client, keyPrefix: keyPrefix, metrics: metrics}
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := g.client.SetNX(ctx, g.keyPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		err = fmt.Errorf("redis setnx %s: %w", key, err)
	} else if !ok {
		err = fmt.Errorf("%s: %w", key, ErrInFlight)
	}
	g.metrics.observe(err)
	return err
}

// Release implements Guard.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
