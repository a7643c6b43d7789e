package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Payment session status values. A session advances from pending to exactly
// one of verified or failed and is immutable afterwards.
const (
	SessionPending  = "pending"
	SessionVerified = "verified"
	SessionFailed   = "failed"
)

// Session records one checkout attempt with the external processor.
// ExternalID is the processor-issued opaque session identifier.
type Session struct {
	ExternalID     string
	ConversationID string
	PlanID         string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrSessionNotFound is returned for unknown payment sessions.
var ErrSessionNotFound = errors.New("payment: session not found")

// SessionStore persists payment sessions. AdvanceIfPending is the
// single-writer guard: of two concurrent verifications, exactly one observes
// advanced=true and performs the premium side effect.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, externalID string) (*Session, error)

	// AdvanceIfPending moves the session from pending to the given status.
	// It reports whether this call performed the transition; false means
	// the session was already terminal (or missing).
	AdvanceIfPending(ctx context.Context, externalID, status string) (bool, error)
}

// PostgresSessionStore is the production SessionStore.
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore creates a SessionStore backed by the database.
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

// Create inserts a new pending session.
func (s *PostgresSessionStore) Create(ctx context.Context, sess *Session) error {
	const query = `
		INSERT INTO payment_sessions (external_id, conversation_id, plan_id, status)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, sess.ExternalID, sess.ConversationID, sess.PlanID, SessionPending)
	if err != nil {
		return fmt.Errorf("payment: create session: %w", err)
	}
	sess.Status = SessionPending
	return nil
}

// Get fetches a session by its external id.
func (s *PostgresSessionStore) Get(ctx context.Context, externalID string) (*Session, error) {
	const query = `
		SELECT external_id, conversation_id, plan_id, status, created_at, updated_at
		FROM payment_sessions
		WHERE external_id = $1`

	var sess Session
	err := s.db.QueryRowContext(ctx, query, externalID).
		Scan(&sess.ExternalID, &sess.ConversationID, &sess.PlanID, &sess.Status,
			&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment: get session: %w", err)
	}
	return &sess, nil
}

// AdvanceIfPending performs the compare-and-set status transition.
func (s *PostgresSessionStore) AdvanceIfPending(ctx context.Context, externalID, status string) (bool, error) {
	const query = `
		UPDATE payment_sessions
		SET status = $2, updated_at = NOW()
		WHERE external_id = $1 AND status = $3`

	res, err := s.db.ExecContext(ctx, query, externalID, status, SessionPending)
	if err != nil {
		return false, fmt.Errorf("payment: advance session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MemorySessionStore is an in-memory SessionStore for tests and dev mode.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemorySessionStore creates an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

// Create inserts a new pending session.
func (s *MemorySessionStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := *sess
	cp.Status = SessionPending
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.sessions[sess.ExternalID] = &cp
	sess.Status = SessionPending
	return nil
}

// Get fetches a session by its external id.
func (s *MemorySessionStore) Get(ctx context.Context, externalID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[externalID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// AdvanceIfPending performs the compare-and-set status transition.
func (s *MemorySessionStore) AdvanceIfPending(ctx context.Context, externalID, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[externalID]
	if !ok || sess.Status != SessionPending {
		return false, nil
	}
	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	return true, nil
}
