package convo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and dev-mode deployments
// without a database. A single mutex covers the gate check, the counter
// increment, and the message append, giving the same atomicity as the
// Postgres transaction.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	messages      map[string][]Message // conversationID -> ordered history
	nextSeq       map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		nextSeq:       make(map[string]int64),
	}
}

// Create creates a new conversation for the pair.
func (s *MemoryStore) Create(ctx context.Context, clientID, personaID string) (*Conversation, error) {
	if clientID == "" || personaID == "" {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	c := &Conversation{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		PersonaID: personaID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.conversations[c.ID] = c
	s.nextSeq[c.ID] = 1
	s.mu.Unlock()

	cp := *c
	return &cp, nil
}

// Get returns a copy of the conversation or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetMany returns copies of the conversations for the given ids.
func (s *MemoryStore) GetMany(ctx context.Context, ids []string) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.conversations[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AppendMessage runs gate + increment + append under one lock.
func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID, senderID string, isFromPersona bool, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	if d := Decide(c); !d.Allowed {
		if c.Status == StatusActive {
			c.Status = StatusPaymentRequired
			c.UpdatedAt = time.Now().UTC()
		}
		return nil, ErrQuotaExceeded
	}

	now := time.Now().UTC()
	seq := s.nextSeq[conversationID]
	s.nextSeq[conversationID] = seq + 1

	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		IsFromPersona:  isFromPersona,
		Content:        content,
		Seq:            seq,
		CreatedAt:      now,
	}

	c.MessageCount++
	c.UpdatedAt = now
	s.messages[conversationID] = append(s.messages[conversationID], msg)

	return &msg, nil
}

// Messages returns the conversation history in seq order.
func (s *MemoryStore) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}

	history := s.messages[conversationID]
	out := make([]Message, len(history))
	copy(out, history)
	return out, nil
}

// MarkPremium flips the conversation to premium. Idempotent.
func (s *MemoryStore) MarkPremium(ctx context.Context, conversationID, paymentRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if c.IsPremium {
		return nil
	}

	c.IsPremium = true
	c.Status = StatusPremium
	c.PaymentRef = paymentRef
	c.UpdatedAt = time.Now().UTC()
	return nil
}
