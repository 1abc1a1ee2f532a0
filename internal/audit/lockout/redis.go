package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dineops/backend/internal/security"
)

// RedisCounter implements Counter with one sorted set of failure timestamps per key
// and a lock key carrying the expiry, for deployments with several server processes.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter creates a Redis-backed counter. prefix namespaces all keys.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix + "lockout:"}
}

func (c *RedisCounter) failureKey(key string) string { return c.prefix + "failures:" + key }
func (c *RedisCounter) lockKey(key string) string    { return c.prefix + "locked:" + key }

func (c *RedisCounter) AddFailure(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	fk := c.failureKey(key)
	member, err := security.NewOpaqueToken()
	if err != nil {
		return 0, err
	}
	score := float64(at.UnixNano())
	var card *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, fk, "-inf", strconv.FormatInt(at.Add(-window).UnixNano(), 10))
		p.ZAdd(ctx, fk, redis.Z{Score: score, Member: member})
		card = p.ZCard(ctx, fk)
		p.PExpire(ctx, fk, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis lockout: record failure: %w", err)
	}
	return int(card.Val()), nil
}

func (c *RedisCounter) Count(ctx context.Context, key string, since time.Time) (int, error) {
	n, err := c.client.ZCount(ctx, c.failureKey(key), "("+strconv.FormatInt(since.UnixNano(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis lockout: count: %w", err)
	}
	return int(n), nil
}

func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.failureKey(key)).Err(); err != nil {
		return fmt.Errorf("redis lockout: reset: %w", err)
	}
	return nil
}

func (c *RedisCounter) Lock(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl < time.Second {
		ttl = time.Second
	}
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.lockKey(key), strconv.FormatInt(until.UnixNano(), 10), ttl)
		p.Del(ctx, c.failureKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis lockout: lock: %w", err)
	}
	return nil
}

func (c *RedisCounter) LockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	v, err := c.client.Get(ctx, c.lockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis lockout: get lock: %w", err)
	}
	ns, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis lockout: bad lock value: %w", err)
	}
	until := time.Unix(0, ns)
	if !now.Before(until) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}
