package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/velora/persona-chat/internal/convo"
	"github.com/velora/persona-chat/internal/protocol"
	"github.com/velora/persona-chat/internal/room"
)

// PendingEvent is the NATS payload published for each accepted client
// message, consumed by the automated persona responder.
type PendingEvent struct {
	ConversationID string `json:"conversation_id"`
	PersonaID      string `json:"persona_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	Ts             int64  `json:"ts"`
}

// Publisher is the subset of the messaging client the service needs.
type Publisher interface {
	PublishConversation(conversationID string, data []byte) error
	PublishHandoffPending(data []byte) error
}

// Service exposes the operator-facing handoff operations. Persona responses
// travel the same store path as client sends, so they are indistinguishable
// in transport from automated persona messages.
type Service struct {
	store convo.Store
	queue *Queue
	bus   Publisher
}

// NewService wires the handoff service.
func NewService(store convo.Store, queue *Queue, bus Publisher) *Service {
	return &Service{store: store, queue: queue, bus: bus}
}

// Queue exposes the underlying queue for callers that manage pending state
// directly (the chat server's accept hook, the automated responder).
func (s *Service) Queue() *Queue {
	return s.queue
}

// NotifyClientMessage enqueues the conversation for a persona response and
// publishes the pending event. Called from the chat server's accept hook for
// client-authored messages.
func (s *Service) NotifyClientMessage(ctx context.Context, conv *convo.Conversation, msg *convo.Message) {
	if err := s.queue.Enqueue(ctx, conv.ID); err != nil {
		log.Printf("[handoff] enqueue conversation=%s: %v", conv.ID, err)
	}

	event := PendingEvent{
		ConversationID: conv.ID,
		PersonaID:      conv.PersonaID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		Ts:             msg.CreatedAt.Unix(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[handoff] marshal pending event: %v", err)
		return
	}
	if err := s.bus.PublishHandoffPending(data); err != nil {
		log.Printf("[handoff] publish pending conversation=%s: %v", conv.ID, err)
	}
}

// ListAssigned claims a batch of pending conversations for the operator and
// returns everything currently assigned to them, as full conversation
// records.
func (s *Service) ListAssigned(ctx context.Context, operatorID string) ([]*convo.Conversation, error) {
	if _, err := s.queue.Claim(ctx, operatorID, DefaultClaimBatch); err != nil {
		return nil, err
	}

	ids, err := s.queue.Assigned(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	convs, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("handoff: list assigned: %w", err)
	}
	return convs, nil
}

// RespondAsPersona posts a message into the conversation on behalf of its
// persona. It runs the same gate-checked append as any send: a quota block
// surfaces as convo.ErrQuotaExceeded to the caller.
func (s *Service) RespondAsPersona(ctx context.Context, conversationID, content string) (*convo.Message, error) {
	conv, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := convo.ValidateContent(content); err != nil {
		return nil, fmt.Errorf("handoff: %w", err)
	}

	msg, err := s.store.AppendMessage(ctx, conversationID, conv.PersonaID, true, content)
	if err != nil {
		return nil, err
	}

	event := room.Event{
		Type: room.EventMessage,
		Message: protocol.MessagePayload{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			IsFromPersona:  true,
			Content:        msg.Content,
			Seq:            msg.Seq,
			Ts:             msg.CreatedAt.Unix(),
		},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("handoff: marshal event: %w", err)
	}
	if err := s.bus.PublishConversation(conversationID, data); err != nil {
		return nil, fmt.Errorf("handoff: publish: %w", err)
	}

	// The persona has responded; the conversation no longer waits.
	if err := s.queue.Dequeue(ctx, conversationID); err != nil {
		log.Printf("[handoff] dequeue conversation=%s: %v", conversationID, err)
	}

	return msg, nil
}

// MarkProcessed marks the conversation handled by the operator. Queue-only
// state; the access gate is unaffected.
func (s *Service) MarkProcessed(ctx context.Context, conversationID, operatorID string) error {
	if _, err := s.store.Get(ctx, conversationID); err != nil {
		return err
	}
	return s.queue.MarkProcessed(ctx, conversationID, operatorID)
}
