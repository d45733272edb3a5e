package preauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"campus/auth/internal/auth"
)

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) GetDel(ctx context.Context, key string) *redis.StringCmd {
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	delete(f.values, key)
	return redis.NewStringResult(value, nil)
}

func TestCreateAndConsume(t *testing.T) {
	store := NewStore(newFakeRedis(), 10*time.Minute)

	tok, err := store.Create(context.Background(), "teacher1")
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if tok == "" {
		t.Fatalf("expected non-empty token")
	}

	username, err := store.Consume(context.Background(), tok)
	if err != nil {
		t.Fatalf("consume error: %v", err)
	}
	if username != "teacher1" {
		t.Fatalf("expected teacher1, got %s", username)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	store := NewStore(newFakeRedis(), 10*time.Minute)

	tok, err := store.Create(context.Background(), "teacher1")
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if _, err := store.Consume(context.Background(), tok); err != nil {
		t.Fatalf("first consume error: %v", err)
	}
	if _, err := store.Consume(context.Background(), tok); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestConsumeUnknownToken(t *testing.T) {
	store := NewStore(newFakeRedis(), 10*time.Minute)
	if _, err := store.Consume(context.Background(), "never-issued"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAppliesTTL(t *testing.T) {
	fake := newFakeRedis()
	store := NewStore(fake, 5*time.Minute)

	tok, err := store.Create(context.Background(), "teacher1")
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if got := fake.ttls["preauth:"+tok]; got != 5*time.Minute {
		t.Fatalf("expected 5m TTL, got %s", got)
	}
}
