// Package presence tracks which live connections belong to which user, so a
// message addressed to a user reaches every tab and device they have open,
// whichever process holds the socket.
package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for a user's connection set.
const KeyPrefix = "chat-user:"

// Registry maps a user identity to the set of its connection ids. Add and
// Remove are idempotent. An empty set is the same as no entry.
type Registry interface {
	Add(ctx context.Context, userID, connID string) error
	Remove(ctx context.Context, userID, connID string) error
	List(ctx context.Context, userID string) ([]string, error)
}

// RedisRegistry keeps connection sets in Redis so that every process sees
// the same membership. Only the atomic SADD and SREM primitives mutate a set.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry creates a RedisRegistry backed by the given client.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// Add records connID as one of userID's connections.
func (r *RedisRegistry) Add(ctx context.Context, userID, connID string) error {
	if err := r.client.SAdd(ctx, KeyPrefix+userID, connID).Err(); err != nil {
		return fmt.Errorf("presence: add %s: %w", userID, err)
	}
	return nil
}

// Remove forgets connID. Removing a non-member is a no-op.
func (r *RedisRegistry) Remove(ctx context.Context, userID, connID string) error {
	if err := r.client.SRem(ctx, KeyPrefix+userID, connID).Err(); err != nil {
		return fmt.Errorf("presence: remove %s: %w", userID, err)
	}
	return nil
}

// List returns userID's connection ids in no particular order.
func (r *RedisRegistry) List(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list %s: %w", userID, err)
	}
	return ids, nil
}
