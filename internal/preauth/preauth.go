// Package preauth holds single-use opaque tokens that exchange for a
// username without a password, used by out-of-band linking and impersonation
// flows. Tokens live in redis under a TTL and are consumed with GETDEL, so a
// token can be redeemed exactly once.
package preauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"campus/auth/internal/auth"
	"campus/auth/internal/crypto"
)

const keyPrefix = "preauth:"

// Client is the slice of the redis API the store needs; *redis.Client
// satisfies it.
type Client interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

type Store struct {
	client Client
	ttl    time.Duration
}

func NewStore(client Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) Create(ctx context.Context, username string) (string, error) {
	token, err := crypto.NewOpaqueToken()
	if err != nil {
		return "", fmt.Errorf("token generation: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+token, username, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("token persist: %w", err)
	}
	return token, nil
}

// Consume redeems a token for its username and deletes it in the same
// operation. A second consumption of the same token fails.
func (s *Store) Consume(ctx context.Context, tokenValue string) (string, error) {
	username, err := s.client.GetDel(ctx, keyPrefix+tokenValue).Result()
	if errors.Is(err, redis.Nil) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("token lookup: %w", err)
	}
	return username, nil
}
