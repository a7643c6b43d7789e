// Package session manages per-connection session state backed by Redis: the
// authenticated actor bound to the connection, its role, and the
// conversation room it currently occupies.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session represents a connection's state stored in Redis. ActorID is empty
// until the connection identifies itself.
type Session struct {
	ID             string `redis:"id"`
	ActorID        string `redis:"actor_id"`
	Role           string `redis:"role"`            // "client" or "operator"
	ConversationID string `redis:"conversation_id"` // joined room, empty if none
	Server         string `redis:"server"`          // which chat server instance
	CreatedAt      int64  `redis:"created_at"`      // unix timestamp
	LastActive     int64  `redis:"last_active"`     // unix timestamp
}

// Identified reports whether the connection has bound an actor identity.
func (s *Session) Identified() bool {
	return s.ActorID != ""
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this chat server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new unidentified session in Redis with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":              sessionID,
		"actor_id":        "",
		"role":            "",
		"conversation_id": "",
		"server":          s.serverName,
		"created_at":      now,
		"last_active":     now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var sess Session
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Bind associates an actor identity and role with the session and refreshes
// the TTL.
func (s *Store) Bind(ctx context.Context, sessionID, actorID, role string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "actor_id", actorID, "role", role, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetConversation records the conversation room this session has joined.
func (s *Store) SetConversation(ctx context.Context, sessionID, conversationID string) error {
	key := SessionPrefix + sessionID
	return s.client.HSet(ctx, key, "conversation_id", conversationID, "last_active", time.Now().Unix()).Err()
}

// ClearConversation removes the joined room record.
func (s *Store) ClearConversation(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.HSet(ctx, key, "conversation_id", "", "last_active", time.Now().Unix()).Err()
}

// RefreshTTL extends the session's TTL.
func (s *Store) RefreshTTL(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Expire(ctx, key, SessionTTL).Err()
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
