// Package typing keeps the "who is typing" state and the scheduler that
// expires it. Entries map a user id to the last time that user typed; they
// are ephemeral and may be lost on restart.
package typing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds typing entries. Every method is a single atomic operation on
// the backing store.
type Store interface {
	// Touch creates or refreshes userID's entry.
	Touch(ctx context.Context, userID string, at time.Time) error
	// Remove deletes userID's entry. Removing a missing entry is a no-op.
	Remove(ctx context.Context, userID string) error
	// Expire deletes every entry last touched before cutoff and returns how
	// many were deleted.
	Expire(ctx context.Context, cutoff time.Time) (int, error)
	// List returns the users currently typing, least recent first.
	List(ctx context.Context) ([]string, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (s *MemoryStore) Touch(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	s.entries[userID] = at
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.entries {
		if at.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.entries[ids[i]], s.entries[ids[j]]
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.Before(b)
	})
	return ids, nil
}

// DefaultKey is the Redis sorted set holding typing entries.
const DefaultKey = "chat-typing"

// RedisStore keeps typing entries in a Redis sorted set scored by the last
// typed time in Unix milliseconds, so that every process shares one view.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a RedisStore using the given sorted set key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Touch(ctx context.Context, userID string, at time.Time) error {
	err := s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: userID}).Err()
	if err != nil {
		return fmt.Errorf("typing: touch %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID string) error {
	if err := s.client.ZRem(ctx, s.key, userID).Err(); err != nil {
		return fmt.Errorf("typing: remove %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.key, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("typing: expire: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("typing: list: %w", err)
	}
	return ids, nil
}
