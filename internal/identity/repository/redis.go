package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"dineops/backend/internal/identity/domain"
)

// RedisPendingStore keeps attempts as JSON values with a key TTL. Take uses GETDEL so a
// state is consumed exactly once across instances.
type RedisPendingStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPendingStore returns a store using client with keys under prefix.
func NewRedisPendingStore(client redis.UniversalClient, prefix string) *RedisPendingStore {
	return &RedisPendingStore{client: client, prefix: prefix}
}

func (s *RedisPendingStore) key(state string) string { return s.prefix + "login:" + state }

// Save stores p for retain.
func (s *RedisPendingStore) Save(ctx context.Context, p *domain.PendingLogin, retain time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(p.State), b, retain).Err()
}

// Take atomically reads and deletes the attempt for state.
func (s *RedisPendingStore) Take(ctx context.Context, state string) (*domain.PendingLogin, error) {
	b, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var p domain.PendingLogin
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
