package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"dineops/backend/internal/session/domain"
)

// maxWatchRetries bounds optimistic retries of Update.
const maxWatchRetries = 16

// retainAfterExpiry keeps terminal sessions around so late presentations still report
// RevokedSession or ReplayDetected instead of an unknown session.
const retainAfterExpiry = 24 * time.Hour

// RedisRepository stores sessions as JSON values. Update uses WATCH/MULTI so a write
// only commits if the session was not changed since it was read.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRepository returns a repository using client with keys under prefix.
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) key(id string) string       { return r.prefix + "session:" + id }
func (r *RedisRepository) familyKey(id string) string { return r.prefix + "family:" + id }

func ttlFor(s *domain.Session) time.Duration {
	ttl := time.Until(s.AbsoluteExpiresAt) + retainAfterExpiry
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// Create stores s and adds it to its family index.
func (r *RedisRepository) Create(ctx context.Context, s *domain.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := ttlFor(s)
	ok, err := r.client.SetNX(ctx, r.key(s.ID), b, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	if s.FamilyID == "" {
		return nil
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.familyKey(s.FamilyID), s.ID)
		p.Expire(ctx, r.familyKey(s.FamilyID), ttl)
		return nil
	})
	return err
}

// Get returns the session for id, or nil if not found.
func (r *RedisRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	return r.get(ctx, r.client, id)
}

func (r *RedisRepository) get(ctx context.Context, c redis.Cmdable, id string) (*domain.Session, error) {
	b, err := c.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var s domain.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Update applies fn and commits only if the key is unchanged, retrying on conflict.
func (r *RedisRepository) Update(ctx context.Context, id string, fn MutateFunc) (*domain.Session, error) {
	key := r.key(id)
	for i := 0; i < maxWatchRetries; i++ {
		var out *domain.Session
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			s, err := r.get(ctx, tx, id)
			if err != nil {
				return err
			}
			if s == nil {
				return ErrNotFound
			}
			if err := fn(s); err != nil {
				return err
			}
			s.Version++
			b, err := json.Marshal(s)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, b, redis.KeepTTL)
				return nil
			})
			if err == nil {
				out = s
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

// ListFamily returns the ids in the family index.
func (r *RedisRepository) ListFamily(ctx context.Context, familyID string) ([]string, error) {
	return r.client.SMembers(ctx, r.familyKey(familyID)).Result()
}
