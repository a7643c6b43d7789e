package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","conversation_id":"conv-1","content":"Hello!","correlation_id":"corr-9"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ConversationID != "conv-1" {
		t.Errorf("expected conversation_id %q, got %q", "conv-1", sm.ConversationID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
	if sm.CorrelationID != "corr-9" {
		t.Errorf("expected correlation_id %q, got %q", "corr-9", sm.CorrelationID)
	}
	if sm.IsFromPersona {
		t.Error("is_from_persona should default to false")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid identify message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Identify(t *testing.T) {
	input := []byte(`{"type":"identify","actor_id":"user-7","role":"operator"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeIdentify {
		t.Fatalf("expected type %q, got %q", TypeIdentify, msgType)
	}

	im, ok := msg.(IdentifyMsg)
	if !ok {
		t.Fatalf("expected IdentifyMsg, got %T", msg)
	}
	if im.ActorID != "user-7" {
		t.Errorf("expected actor_id %q, got %q", "user-7", im.ActorID)
	}
	if im.Role != RoleOperator {
		t.Errorf("expected role %q, got %q", RoleOperator, im.Role)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a new_message server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	payload := NewMessageMsg{
		Message: MessagePayload{
			ID:             "msg-1",
			ConversationID: "conv-1",
			SenderID:       "persona-3",
			IsFromPersona:  true,
			Content:        "hi there",
			Seq:            4,
			Ts:             1700000000,
		},
		CorrelationID: "corr-2",
	}

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeNewMessage {
		t.Errorf("expected type %q, got %v", TypeNewMessage, result["type"])
	}
	if result["correlation_id"] != "corr-2" {
		t.Errorf("expected correlation_id %q, got %v", "corr-2", result["correlation_id"])
	}

	message, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message to be an object, got %T", result["message"])
	}
	if message["sender_id"] != "persona-3" {
		t.Errorf("expected sender_id %q, got %v", "persona-3", message["sender_id"])
	}
	if message["is_from_persona"] != true {
		t.Errorf("expected is_from_persona true, got %v", message["is_from_persona"])
	}
	if seq, _ := message["seq"].(float64); int(seq) != 4 {
		t.Errorf("expected seq 4, got %v", message["seq"])
	}
}

// ---------------------------------------------------------------------------
// Test: correlation_id omitted when empty
// ---------------------------------------------------------------------------

func TestNewServerMessage_OmitsEmptyCorrelationID(t *testing.T) {
	data, err := NewServerMessage(TypeNewMessage, NewMessageMsg{
		Message: MessagePayload{ID: "m1", ConversationID: "c1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if _, present := result["correlation_id"]; present {
		t.Error("empty correlation_id should be omitted from the wire form")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity through the parser
// ---------------------------------------------------------------------------

func TestRoundTrip_SendMessage(t *testing.T) {
	original := SendMessageMsg{
		Type:           TypeSendMessage,
		ConversationID: "conv-42",
		Content:        "round trip",
		CorrelationID:  "corr-42",
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	decoded, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: expected %+v, got %+v", original, decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"identify", `{"type":"identify","actor_id":"u1","role":"client"}`, TypeIdentify},
		{"start_conversation", `{"type":"start_conversation","persona_id":"p1"}`, TypeStartConversation},
		{"join_conversation", `{"type":"join_conversation","conversation_id":"c1"}`, TypeJoinConversation},
		{"leave_conversation", `{"type":"leave_conversation","conversation_id":"c1"}`, TypeLeaveConversation},
		{"send_message", `{"type":"send_message","conversation_id":"c1","content":"hi","correlation_id":"x"}`, TypeSendMessage},
		{"start_upgrade", `{"type":"start_upgrade","conversation_id":"c1","plan_id":"premium"}`, TypeStartUpgrade},
		{"verify_upgrade", `{"type":"verify_upgrade","conversation_id":"c1","session_id":"s1"}`, TypeVerifyUpgrade},
		{"list_assigned", `{"type":"list_assigned"}`, TypeListAssigned},
		{"mark_processed", `{"type":"mark_processed","conversation_id":"c1"}`, TypeMarkProcessed},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
