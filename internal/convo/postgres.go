package convo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Store using the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a new conversation row for the pair.
func (s *PostgresStore) Create(ctx context.Context, clientID, personaID string) (*Conversation, error) {
	if clientID == "" || personaID == "" {
		return nil, ErrNotFound
	}

	c := &Conversation{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		PersonaID: personaID,
		Status:    StatusActive,
	}

	const query = `
		INSERT INTO conversations (id, client_id, persona_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query, c.ID, clientID, personaID, c.Status).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("convo: create: %w", err)
	}
	return c, nil
}

// Get fetches a conversation by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, client_id, persona_id, message_count, is_premium,
		       COALESCE(payment_ref, ''), status, created_at, updated_at
		FROM conversations
		WHERE id = $1`

	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convo: get: %w", err)
	}
	return c, nil
}

// GetMany fetches the conversations for the given ids, skipping unknown ids.
func (s *PostgresStore) GetMany(ctx context.Context, ids []string) ([]*Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	const query = `
		SELECT id, client_id, persona_id, message_count, is_premium,
		       COALESCE(payment_ref, ''), status, created_at, updated_at
		FROM conversations
		WHERE id = ANY($1)
		ORDER BY updated_at`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("convo: get many: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("convo: get many scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage performs the increment-and-check and the message insert in a
// single transaction. The conditional UPDATE is the serialization point: of
// two concurrent senders at the threshold, exactly one matches the WHERE
// clause and the other observes a block.
func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID, senderID string, isFromPersona bool, content string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("convo: begin tx: %w", err)
	}
	defer tx.Rollback()

	const increment = `
		UPDATE conversations
		SET message_count = message_count + 1, updated_at = NOW()
		WHERE id = $1 AND (is_premium OR message_count < $2)
		RETURNING message_count`

	var newCount int
	err = tx.QueryRowContext(ctx, increment, conversationID, FreeMessageThreshold).Scan(&newCount)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the conversation is unknown or the gate blocked it.
		// Distinguish inside the same transaction.
		const block = `
			UPDATE conversations
			SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3`

		res, berr := tx.ExecContext(ctx, block, conversationID, StatusPaymentRequired, StatusActive)
		if berr != nil {
			return nil, fmt.Errorf("convo: mark payment required: %w", berr)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if serr := tx.QueryRowContext(ctx,
				`SELECT TRUE FROM conversations WHERE id = $1`, conversationID).Scan(&exists); serr != nil {
				if errors.Is(serr, sql.ErrNoRows) {
					return nil, ErrNotFound
				}
				return nil, fmt.Errorf("convo: existence check: %w", serr)
			}
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, fmt.Errorf("convo: commit block: %w", cerr)
		}
		return nil, ErrQuotaExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("convo: increment: %w", err)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		IsFromPersona:  isFromPersona,
		Content:        content,
	}

	const insert = `
		INSERT INTO messages (id, conversation_id, sender_id, is_from_persona, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at`

	err = tx.QueryRowContext(ctx, insert, msg.ID, conversationID, senderID, isFromPersona, content).
		Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("convo: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("convo: commit: %w", err)
	}
	return msg, nil
}

// Messages returns the full history in seq order.
func (s *PostgresStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}

	const query = `
		SELECT id, conversation_id, sender_id, is_from_persona, content, seq, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("convo: messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.IsFromPersona,
			&m.Content, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("convo: messages scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkPremium flips the conversation to premium. The WHERE clause makes the
// write idempotent: re-marking an already-premium conversation affects no
// rows and returns nil.
func (s *PostgresStore) MarkPremium(ctx context.Context, conversationID, paymentRef string) error {
	const query = `
		UPDATE conversations
		SET is_premium = TRUE, status = $2, payment_ref = $3, updated_at = NOW()
		WHERE id = $1 AND NOT is_premium`

	res, err := s.db.ExecContext(ctx, query, conversationID, StatusPremium, paymentRef)
	if err != nil {
		return fmt.Errorf("convo: mark premium: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var premium bool
		err := s.db.QueryRowContext(ctx,
			`SELECT is_premium FROM conversations WHERE id = $1`, conversationID).Scan(&premium)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("convo: mark premium check: %w", err)
		}
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ClientID, &c.PersonaID, &c.MessageCount, &c.IsPremium,
		&c.PaymentRef, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
