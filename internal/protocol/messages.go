// Package protocol defines the WebSocket message types and structures used
// for communication between clients (and operators) and the chat server. All
// messages are serialized as JSON and follow a consistent envelope format
// with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify          = "identify"
	TypeStartConversation = "start_conversation"
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeStartUpgrade      = "start_upgrade"
	TypeVerifyUpgrade     = "verify_upgrade"
	TypeListAssigned      = "list_assigned"
	TypeMarkProcessed     = "mark_processed"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated        = "session_created"
	TypeIdentified            = "identified"
	TypeConversationStarted   = "conversation_started"
	TypeConversationHistory   = "conversation_history"
	TypeNewMessage            = "new_message"
	TypeMessageError          = "message_error"
	TypeAccessDenied          = "access_denied"
	TypeUpgradeSession        = "upgrade_session"
	TypeUpgradeResult         = "upgrade_result"
	TypeAssignedConversations = "assigned_conversations"
	TypeProcessed             = "processed"
	TypeRateLimited           = "rate_limited"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Actor roles carried on identify.
const (
	RoleClient   = "client"
	RoleOperator = "operator"
)

// Reasons carried on message_error and access_denied.
const (
	ReasonQuotaExceeded  = "quota_exceeded"
	ReasonNotFound       = "not_found"
	ReasonNotParticipant = "not_participant"
	ReasonInvalidContent = "invalid_content"
	ReasonInternal       = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structs
// ---------------------------------------------------------------------------

// MessagePayload is the wire form of a persisted message.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	IsFromPersona  bool   `json:"is_from_persona"`
	Content        string `json:"content"`
	Seq            int64  `json:"seq"`
	Ts             int64  `json:"ts"` // unix timestamp assigned by the store
}

// ConversationPayload is the wire form of a conversation record.
type ConversationPayload struct {
	ID           string `json:"id"`
	ClientID     string `json:"client_id"`
	PersonaID    string `json:"persona_id"`
	MessageCount int    `json:"message_count"`
	IsPremium    bool   `json:"is_premium"`
	Status       string `json:"status"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// IdentifyMsg binds an authenticated actor identity to the connection's
// session. Authentication itself happens upstream; the server trusts the
// identity the edge has already established.
type IdentifyMsg struct {
	Type    string `json:"type"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"` // "client" or "operator"
}

// StartConversationMsg creates a fresh conversation with a persona.
type StartConversationMsg struct {
	Type      string `json:"type"`
	PersonaID string `json:"persona_id"`
}

// JoinConversationMsg adds this connection to a conversation room.
type JoinConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// LeaveConversationMsg removes this connection from a conversation room.
type LeaveConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg submits a message. CorrelationID is generated by the client
// and echoed on the resulting new_message broadcast or message_error, so the
// sender can reconcile its optimistic copy exactly.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlation_id"`
	IsFromPersona  bool   `json:"is_from_persona"` // honored only for operator sessions
}

// StartUpgradeMsg requests a checkout session for a premium upgrade.
type StartUpgradeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	PlanID         string `json:"plan_id"`
}

// VerifyUpgradeMsg asks the server to verify a payment session's completion.
type VerifyUpgradeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// ListAssignedMsg asks for the conversations assigned to this operator,
// claiming pending ones as needed.
type ListAssignedMsg struct {
	Type string `json:"type"`
}

// MarkProcessedMsg marks an assigned conversation as handled by the operator.
type MarkProcessedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// IdentifiedMsg confirms the actor binding for this session.
type IdentifiedMsg struct {
	Type    string `json:"type"`
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// ConversationStartedMsg returns the freshly created conversation.
type ConversationStartedMsg struct {
	Type         string              `json:"type"`
	Conversation ConversationPayload `json:"conversation"`
}

// ConversationHistoryMsg replays the full message history to a connection
// that just joined a room. It is sent to that connection only.
type ConversationHistoryMsg struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Messages       []MessagePayload `json:"messages"`
}

// NewMessageMsg broadcasts an accepted message to every room member,
// including the sender's own connections. CorrelationID echoes the sender's
// correlation id so its reconciler can match the authoritative copy.
type NewMessageMsg struct {
	Type          string         `json:"type"`
	Message       MessagePayload `json:"message"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// MessageErrorMsg reports the terminal failure of a single send attempt to
// the sending connection only. A quota_exceeded reason signals "show the
// payment prompt", not "something broke".
type MessageErrorMsg struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id"`
	Reason        string `json:"reason"`
}

// AccessDeniedMsg rejects a join (or operator action) the actor is not
// entitled to.
type AccessDeniedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Reason         string `json:"reason"`
}

// UpgradeSessionMsg carries the checkout session for a premium upgrade.
type UpgradeSessionMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

// UpgradeResultMsg reports the outcome of a payment verification.
type UpgradeResultMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Retryable bool   `json:"retryable,omitempty"` // true when the processor was unreachable
}

// AssignedConversationsMsg lists the conversations assigned to an operator.
type AssignedConversationsMsg struct {
	Type          string                `json:"type"`
	Conversations []ConversationPayload `json:"conversations"`
}

// ProcessedMsg confirms a mark_processed request.
type ProcessedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// RateLimitedMsg is sent when the client has exceeded an action rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartConversation:
		var m StartConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinConversation:
		var m JoinConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveConversation:
		var m LeaveConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartUpgrade:
		var m StartUpgradeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVerifyUpgrade:
		var m VerifyUpgradeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListAssigned:
		var m ListAssignedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkProcessed:
		var m MarkProcessedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
