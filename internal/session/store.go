package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for connection session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Heartbeats
	// refresh it.
	SessionTTL = 1 * time.Hour
)

// Record is a connection session as stored in Redis. UserID is empty for
// anonymous connections.
type Record struct {
	ConnID     string `redis:"conn_id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// Store records connection sessions in Redis so any process can tell who is
// behind a connection id and which server holds it.
type Store struct {
	client      *redis.Client
	serverName  string // identifier for this server instance
	touchScript *redis.Script
}

// NewStore creates a session store on the given client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{
		client:      client,
		serverName:  serverName,
		touchScript: redis.NewScript(touchSessionLua),
	}
}

// Create stores the session of a new connection with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID string, identity *Identity) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()
	userID := ""
	if identity != nil {
		userID = identity.ID
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"conn_id":     connID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&rec); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if rec.ConnID == "" {
		return nil, nil
	}
	return &rec, nil
}

// Touch marks the session active and extends its TTL. A session that was
// already deleted is left deleted.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	ttl := int64(SessionTTL / time.Second)
	if err := s.touchScript.Run(ctx, s.client, []string{key}, time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("session: touch %s: %w", connID, err)
	}
	return nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, SessionPrefix+connID).Err()
}

// touchSessionLua refreshes last_active and the TTL only if the hash exists.
const touchSessionLua = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then return 0 end
redis.call('HSET', key, 'last_active', ARGV[1])
redis.call('EXPIRE', key, ARGV[2])
return 1
`
