// Package convo owns conversation and message records. It is the single
// serialization point for quota state: message_count, is_premium, and status
// are mutated only through Store operations, never by direct field writes
// from other packages. AppendMessage combines the quota check, the counter
// increment, and the message insert in one transaction.
package convo

import "time"

// Conversation status values. Transitions only move forward:
// active -> payment_required -> premium. Premium is terminal.
const (
	StatusActive          = "active"
	StatusPaymentRequired = "payment_required"
	StatusPremium         = "premium"
)

// Conversation is a persistent thread between one client and one persona.
type Conversation struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	PersonaID    string    `json:"persona_id"`
	MessageCount int       `json:"message_count"`
	IsPremium    bool      `json:"is_premium"`
	PaymentRef   string    `json:"payment_ref,omitempty"` // external payment session id, set on upgrade
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsParticipant reports whether the actor is the client or the persona side
// of this conversation.
func (c *Conversation) IsParticipant(actorID string) bool {
	return actorID == c.ClientID || actorID == c.PersonaID
}

// Message is a single message within a conversation. Messages are immutable
// once persisted; Seq is assigned by the store and defines the total order
// within the conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	IsFromPersona  bool      `json:"is_from_persona"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}
