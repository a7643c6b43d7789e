// Package room manages conversation room membership and the gate-checked
// send path. Each joined connection holds its own fan-out subscription on
// the conversation's subject, so a broadcast reaches every member on every
// server instance, including the sender's own connections.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/velora/persona-chat/internal/convo"
	"github.com/velora/persona-chat/internal/metrics"
	"github.com/velora/persona-chat/internal/protocol"
)

// Peer is one member connection of a room. ws.Connection implements it; hub
// tests use in-memory fakes.
type Peer interface {
	SessionID() string
	Deliver(data []byte) error
}

// Bus is the fan-out transport between server instances. messaging.Client
// implements it over NATS.
type Bus interface {
	PublishConversation(conversationID string, data []byte) error
	SubscribeConversation(conversationID, sessionID string, handler func(data []byte)) error
	UnsubscribeConversation(sessionID string) error
}

// Event is the payload published on conversation.<id> subjects for an
// accepted message.
type Event struct {
	Type          string                  `json:"type"` // "message"
	CorrelationID string                  `json:"correlation_id,omitempty"`
	Message       protocol.MessagePayload `json:"message"`
}

// EventMessage is the only event type currently published.
const EventMessage = "message"

// AcceptedFunc is invoked after a message is persisted and broadcast, with
// the sender's role context. cmd/chatd uses it to feed the handoff queue.
type AcceptedFunc func(conv *convo.Conversation, msg *convo.Message)

// Hub tracks which connections are members of which conversation rooms on
// this server instance.
type Hub struct {
	store convo.Store
	bus   Bus

	mu      sync.RWMutex
	rooms   map[string]map[string]Peer // conversationID -> sessionID -> peer
	members map[string]string          // sessionID -> conversationID

	sendMu sync.Mutex
	sends  map[string]*sync.Mutex // conversationID -> accept/publish order lock

	onAccepted AcceptedFunc
}

// NewHub creates a Hub over the given store and fan-out bus.
func NewHub(store convo.Store, bus Bus) *Hub {
	return &Hub{
		store:   store,
		bus:     bus,
		rooms:   make(map[string]map[string]Peer),
		members: make(map[string]string),
		sends:   make(map[string]*sync.Mutex),
	}
}

// SetOnAccepted registers the post-accept callback.
func (h *Hub) SetOnAccepted(fn AcceptedFunc) {
	h.onAccepted = fn
}

// Join adds the peer to the conversation's room and replays the full message
// history to that peer only. Operators may join any conversation; other
// actors must be participants. A non-participant gets access_denied and an
// error return.
func (h *Hub) Join(ctx context.Context, peer Peer, conversationID, actorID, role string) error {
	conv, err := h.store.Get(ctx, conversationID)
	if errors.Is(err, convo.ErrNotFound) {
		h.deliverAccessDenied(peer, conversationID, protocol.ReasonNotFound)
		return err
	}
	if err != nil {
		return fmt.Errorf("room: join lookup: %w", err)
	}

	if role != protocol.RoleOperator && !conv.IsParticipant(actorID) {
		h.deliverAccessDenied(peer, conversationID, protocol.ReasonNotParticipant)
		return fmt.Errorf("room: actor %s is not a participant of %s", actorID, conversationID)
	}

	// A session occupies at most one room; leaving the old one first keeps
	// the bus subscription consistent.
	h.Leave(peer.SessionID())

	sid := peer.SessionID()
	if err := h.bus.SubscribeConversation(conversationID, sid, func(data []byte) {
		h.deliverEvent(sid, data)
	}); err != nil {
		return fmt.Errorf("room: subscribe: %w", err)
	}

	h.mu.Lock()
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[string]Peer)
		h.rooms[conversationID] = members
		metrics.ActiveRooms.Inc()
	}
	members[sid] = peer
	h.members[sid] = conversationID
	h.mu.Unlock()

	// History replay goes to the joining connection only. If the replay
	// cannot be produced the membership is rolled back and the peer told, so
	// it re-joins instead of sitting in the room without history.
	history, err := h.store.Messages(ctx, conversationID)
	if err != nil {
		h.Leave(sid)
		h.deliverAccessDenied(peer, conversationID, protocol.ReasonInternal)
		return fmt.Errorf("room: history: %w", err)
	}
	payloads := make([]protocol.MessagePayload, 0, len(history))
	for _, m := range history {
		payloads = append(payloads, payloadFromMessage(m))
	}

	data, err := protocol.NewServerMessage(protocol.TypeConversationHistory, protocol.ConversationHistoryMsg{
		ConversationID: conversationID,
		Messages:       payloads,
	})
	if err != nil {
		h.Leave(sid)
		h.deliverAccessDenied(peer, conversationID, protocol.ReasonInternal)
		return fmt.Errorf("room: build history: %w", err)
	}
	if err := peer.Deliver(data); err != nil {
		log.Printf("[room] history delivery failed session=%s: %v", sid, err)
	}

	log.Printf("[room] join session=%s conversation=%s actor=%s role=%s (history=%d)",
		sid, conversationID, actorID, role, len(payloads))
	return nil
}

// Leave removes the session from its room, if any. Idempotent.
func (h *Hub) Leave(sessionID string) {
	h.mu.Lock()
	conversationID, ok := h.members[sessionID]
	if ok {
		delete(h.members, sessionID)
		if members := h.rooms[conversationID]; members != nil {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(h.rooms, conversationID)
				metrics.ActiveRooms.Dec()
			}
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	if err := h.bus.UnsubscribeConversation(sessionID); err != nil {
		log.Printf("[room] unsubscribe session=%s: %v", sessionID, err)
	}
	log.Printf("[room] leave session=%s conversation=%s", sessionID, conversationID)
}

// HandleSend runs one send attempt to completion: exactly one terminal event
// reaches the sender per attempt — either the new_message broadcast (which
// the sender receives as a room member) or a message_error.
func (h *Hub) HandleSend(ctx context.Context, peer Peer, actorID string, fromPersona bool, msg protocol.SendMessageMsg) {
	sid := peer.SessionID()

	h.mu.RLock()
	joined := h.members[sid] == msg.ConversationID
	h.mu.RUnlock()
	if !joined {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.deliverError(peer, msg.CorrelationID, protocol.ReasonNotParticipant)
		return
	}

	if err := convo.ValidateContent(msg.Content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.deliverError(peer, msg.CorrelationID, protocol.ReasonInvalidContent)
		return
	}

	// The store accept and the bus publish happen under one per-conversation
	// lock, so events reach the bus in seq order.
	lock := h.sendLock(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	persisted, err := h.store.AppendMessage(ctx, msg.ConversationID, actorID, fromPersona, msg.Content)
	metrics.SendLatency.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, convo.ErrQuotaExceeded):
		// A state signal, not a failure: the client shows the payment
		// prompt. Emitted to the sending connection only.
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		h.deliverError(peer, msg.CorrelationID, protocol.ReasonQuotaExceeded)
		return
	case errors.Is(err, convo.ErrNotFound):
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.deliverError(peer, msg.CorrelationID, protocol.ReasonNotFound)
		return
	case err != nil:
		log.Printf("[room] append failed session=%s conversation=%s: %v", sid, msg.ConversationID, err)
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		h.deliverError(peer, msg.CorrelationID, protocol.ReasonInternal)
		return
	}

	metrics.MessagesTotal.WithLabelValues("accepted").Inc()

	event := Event{
		Type:          EventMessage,
		CorrelationID: msg.CorrelationID,
		Message:       payloadFromMessage(*persisted),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[room] marshal event conversation=%s: %v", msg.ConversationID, err)
		return
	}
	if err := h.bus.PublishConversation(msg.ConversationID, data); err != nil {
		log.Printf("[room] publish conversation=%s: %v", msg.ConversationID, err)
	}

	if h.onAccepted != nil {
		conv, gerr := h.store.Get(ctx, msg.ConversationID)
		if gerr == nil {
			h.onAccepted(conv, persisted)
		}
	}
}

func (h *Hub) sendLock(conversationID string) *sync.Mutex {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	lock, ok := h.sends[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		h.sends[conversationID] = lock
	}
	return lock
}

// MemberCount returns the number of local members in a conversation room.
func (h *Hub) MemberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Shutdown detaches every member. Used during graceful server shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]string, 0, len(h.members))
	for sid := range h.members {
		sessions = append(sessions, sid)
	}
	h.mu.Unlock()

	for _, sid := range sessions {
		h.Leave(sid)
	}
}

// deliverEvent fans a bus event out to the local member it was subscribed
// for. The correlation id is echoed to all members; only the original
// sender's reconciler will recognize it.
func (h *Hub) deliverEvent(sessionID string, data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("[room] unmarshal event session=%s: %v", sessionID, err)
		return
	}
	if event.Type != EventMessage {
		return
	}

	h.mu.RLock()
	conversationID, ok := h.members[sessionID]
	var peer Peer
	if ok {
		peer = h.rooms[conversationID][sessionID]
	}
	h.mu.RUnlock()

	if peer == nil || conversationID != event.Message.ConversationID {
		return
	}

	out, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message:       event.Message,
		CorrelationID: event.CorrelationID,
	})
	if err != nil {
		log.Printf("[room] build new_message session=%s: %v", sessionID, err)
		return
	}
	if err := peer.Deliver(out); err != nil {
		log.Printf("[room] deliver new_message session=%s: %v", sessionID, err)
		return
	}
	metrics.BroadcastsTotal.Inc()
}

func (h *Hub) deliverError(peer Peer, correlationID, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeMessageError, protocol.MessageErrorMsg{
		CorrelationID: correlationID,
		Reason:        reason,
	})
	if err != nil {
		log.Printf("[room] build message_error: %v", err)
		return
	}
	if err := peer.Deliver(data); err != nil {
		log.Printf("[room] deliver message_error session=%s: %v", peer.SessionID(), err)
	}
}

func (h *Hub) deliverAccessDenied(peer Peer, conversationID, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeAccessDenied, protocol.AccessDeniedMsg{
		ConversationID: conversationID,
		Reason:         reason,
	})
	if err != nil {
		log.Printf("[room] build access_denied: %v", err)
		return
	}
	if err := peer.Deliver(data); err != nil {
		log.Printf("[room] deliver access_denied session=%s: %v", peer.SessionID(), err)
	}
}

func payloadFromMessage(m convo.Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		IsFromPersona:  m.IsFromPersona,
		Content:        m.Content,
		Seq:            m.Seq,
		Ts:             m.CreatedAt.Unix(),
	}
}
