package convo

import "context"

// Store is the conversation persistence interface. PostgresStore is the
// production implementation; MemoryStore backs tests and single-node dev
// deployments.
type Store interface {
	// Create always creates a new conversation for the client/persona pair
	// (no idempotent lookup). It returns ErrNotFound if either identity is
	// missing.
	Create(ctx context.Context, clientID, personaID string) (*Conversation, error)

	// Get returns the conversation or ErrNotFound.
	Get(ctx context.Context, id string) (*Conversation, error)

	// GetMany returns the conversations for the given ids, skipping ids
	// that no longer exist.
	GetMany(ctx context.Context, ids []string) ([]*Conversation, error)

	// AppendMessage atomically runs the access gate, increments the message
	// counter, and persists the message. Exactly one of these outcomes
	// occurs per call: the message is persisted and the count incremented
	// together, or neither happens and ErrQuotaExceeded (or ErrNotFound)
	// is returned. A blocked send moves an active conversation to
	// payment_required.
	AppendMessage(ctx context.Context, conversationID, senderID string, isFromPersona bool, content string) (*Message, error)

	// Messages returns the full history of a conversation in store order
	// (ascending seq). Returns ErrNotFound for unknown conversations.
	Messages(ctx context.Context, conversationID string) ([]Message, error)

	// MarkPremium flips the conversation to premium. It is idempotent:
	// marking an already-premium conversation leaves state unchanged and
	// returns nil.
	MarkPremium(ctx context.Context, conversationID, paymentRef string) error
}
