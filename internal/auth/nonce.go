package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const nonceKeyPrefix = "calsync:oauth_nonce:"

var ErrNonceExists = errors.New("nonce already stored")

// NonceStore remembers issued OAuth nonces until they are consumed or expire.
type NonceStore interface {
	// Put stores nonce for ttl. Storing a live nonce twice fails.
	Put(ctx context.Context, nonce string, ttl time.Duration) error
	// Consume atomically removes nonce and reports whether it was live.
	Consume(ctx context.Context, nonce string) (bool, error)
}

// RedisNonceStore keeps nonces in Redis with native expiry.
type RedisNonceStore struct {
	client redis.UniversalClient
}

// NewRedisNonceStore wraps an existing Redis client.
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func (s *RedisNonceStore) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, nonceKeyPrefix+nonce, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store nonce: %w", err)
	}
	if !ok {
		return ErrNonceExists
	}
	return nil
}

func (s *RedisNonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	_, err := s.client.GetDel(ctx, nonceKeyPrefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume nonce: %w", err)
	}
	return true, nil
}

// MemoryNonceStore keeps nonces in process memory. It suits a single
// instance and tests.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryNonceStore creates an empty store. now defaults to time.Now.
func NewMemoryNonceStore(now func() time.Time) *MemoryNonceStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryNonceStore{entries: make(map[string]time.Time), now: now}
}

func (s *MemoryNonceStore) Put(_ context.Context, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)
	if exp, ok := s.entries[nonce]; ok && now.Before(exp) {
		return ErrNonceExists
	}
	s.entries[nonce] = now.Add(ttl)
	return nil
}

func (s *MemoryNonceStore) Consume(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries[nonce]
	if !ok {
		return false, nil
	}
	delete(s.entries, nonce)
	return s.now().Before(exp), nil
}

func (s *MemoryNonceStore) sweepLocked(now time.Time) {
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
		}
	}
}
