package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLedger stores ledger entries in Redis so every replica sees them
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger wraps an existing client
func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// DialRedis parses redisURL, applies connection timeouts and pings the server
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// MarkOpen implements Ledger
func (l *RedisLedger) MarkOpen(ctx context.Context, invoiceID, sessionID string, ttl time.Duration) error {
	if err := l.client.Set(ctx, openKey(invoiceID), sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// HasOutstanding implements Ledger
func (l *RedisLedger) HasOutstanding(ctx context.Context, invoiceID string) (bool, error) {
	return l.exists(ctx, openKey(invoiceID))
}

// ClearOpen implements Ledger
func (l *RedisLedger) ClearOpen(ctx context.Context, invoiceID string) error {
	if err := l.client.Del(ctx, openKey(invoiceID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// MarkProcessed implements Ledger using SETNX so concurrent replicas agree
// on which one wrote the mark first
func (l *RedisLedger) MarkProcessed(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	created, err := l.client.SetNX(ctx, doneKey(sessionID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return created, nil
}

// IsProcessed implements Ledger
func (l *RedisLedger) IsProcessed(ctx context.Context, sessionID string) (bool, error) {
	return l.exists(ctx, doneKey(sessionID))
}

func (l *RedisLedger) exists(ctx context.Context, key string) (bool, error) {
	err := l.client.Get(ctx, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	return true, nil
}

// Close closes the underlying client
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
