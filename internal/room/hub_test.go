package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/velora/persona-chat/internal/convo"
	"github.com/velora/persona-chat/internal/protocol"
)

// fakePeer records everything delivered to it.
type fakePeer struct {
	id string

	mu       sync.Mutex
	received [][]byte
}

func (p *fakePeer) SessionID() string { return p.id }

func (p *fakePeer) Deliver(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.received = append(p.received, cp)
	return nil
}

// messagesOfType decodes every received frame of the given type.
func (p *fakePeer) messagesOfType(t *testing.T, msgType string) []map[string]interface{} {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []map[string]interface{}
	for _, data := range p.received {
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// memoryBus is an in-process Bus: subscriptions are delivered synchronously,
// which makes assertions deterministic.
type memoryBus struct {
	mu   sync.Mutex
	subs map[string]struct {
		conversationID string
		handler        func([]byte)
	}
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subs: make(map[string]struct {
		conversationID string
		handler        func([]byte)
	})}
}

func (b *memoryBus) PublishConversation(conversationID string, data []byte) error {
	b.mu.Lock()
	handlers := make([]func([]byte), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.conversationID == conversationID {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *memoryBus) SubscribeConversation(conversationID, sessionID string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sessionID] = struct {
		conversationID string
		handler        func([]byte)
	}{conversationID, handler}
	return nil
}

func (b *memoryBus) UnsubscribeConversation(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sessionID)
	return nil
}

func newTestHub(t *testing.T) (*Hub, *convo.MemoryStore, *convo.Conversation) {
	t.Helper()
	store := convo.NewMemoryStore()
	conv, err := store.Create(context.Background(), "client-1", "persona-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return NewHub(store, newMemoryBus()), store, conv
}

func sendMsg(convID, content, corrID string) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{
		Type:           protocol.TypeSendMessage,
		ConversationID: convID,
		Content:        content,
		CorrelationID:  corrID,
	}
}

func TestJoin_NotFound(t *testing.T) {
	hub, _, _ := newTestHub(t)
	peer := &fakePeer{id: "s1"}

	err := hub.Join(context.Background(), peer, "missing", "client-1", protocol.RoleClient)
	if err == nil {
		t.Fatal("expected error joining unknown conversation")
	}
	denied := peer.messagesOfType(t, protocol.TypeAccessDenied)
	if len(denied) != 1 || denied[0]["reason"] != protocol.ReasonNotFound {
		t.Errorf("expected one access_denied/not_found, got %v", denied)
	}
}

func TestJoin_NonParticipantDenied(t *testing.T) {
	hub, _, conv := newTestHub(t)
	peer := &fakePeer{id: "s1"}

	err := hub.Join(context.Background(), peer, conv.ID, "someone-else", protocol.RoleClient)
	if err == nil {
		t.Fatal("expected error for non-participant join")
	}
	denied := peer.messagesOfType(t, protocol.TypeAccessDenied)
	if len(denied) != 1 || denied[0]["reason"] != protocol.ReasonNotParticipant {
		t.Errorf("expected one access_denied/not_participant, got %v", denied)
	}
	if hub.MemberCount(conv.ID) != 0 {
		t.Error("denied join must not add a member")
	}
}

func TestJoin_OperatorBypassesParticipantCheck(t *testing.T) {
	hub, _, conv := newTestHub(t)
	peer := &fakePeer{id: "op1"}

	if err := hub.Join(context.Background(), peer, conv.ID, "operator-9", protocol.RoleOperator); err != nil {
		t.Fatalf("operator join error: %v", err)
	}
	if hub.MemberCount(conv.ID) != 1 {
		t.Error("operator should be a room member")
	}
}

func TestJoin_HistoryReplayToJoinerOnly(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()

	if _, err := store.AppendMessage(ctx, conv.ID, "client-1", false, "first"); err != nil {
		t.Fatalf("seed message error: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, "persona-1", true, "second"); err != nil {
		t.Fatalf("seed message error: %v", err)
	}

	first := &fakePeer{id: "s1"}
	if err := hub.Join(ctx, first, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatalf("join error: %v", err)
	}

	second := &fakePeer{id: "s2"}
	if err := hub.Join(ctx, second, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatalf("second join error: %v", err)
	}

	histories := second.messagesOfType(t, protocol.TypeConversationHistory)
	if len(histories) != 1 {
		t.Fatalf("expected one history replay, got %d", len(histories))
	}
	msgs, _ := histories[0]["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Errorf("history carries %d messages, want 2", len(msgs))
	}

	// The earlier member must not receive the second joiner's replay.
	if got := first.messagesOfType(t, protocol.TypeConversationHistory); len(got) != 1 {
		t.Errorf("first member saw %d history replays, want only its own", len(got))
	}
}

// flakyHistoryStore fails the first history fetch, then behaves normally.
type flakyHistoryStore struct {
	*convo.MemoryStore
	fail bool
}

func (s *flakyHistoryStore) Messages(ctx context.Context, conversationID string) ([]convo.Message, error) {
	if s.fail {
		s.fail = false
		return nil, errors.New("history backend down")
	}
	return s.MemoryStore.Messages(ctx, conversationID)
}

// A join whose history replay fails must not leave the peer silently in the
// room: the membership rolls back and the peer is told to re-join.
func TestJoin_HistoryFailureRollsBack(t *testing.T) {
	store := &flakyHistoryStore{MemoryStore: convo.NewMemoryStore(), fail: true}
	ctx := context.Background()
	conv, err := store.Create(ctx, "client-1", "persona-1")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	hub := NewHub(store, newMemoryBus())

	peer := &fakePeer{id: "s1"}
	if err := hub.Join(ctx, peer, conv.ID, "client-1", protocol.RoleClient); err == nil {
		t.Fatal("expected error when the history fetch fails")
	}
	if hub.MemberCount(conv.ID) != 0 {
		t.Error("failed join must not leave the peer in the room")
	}
	denied := peer.messagesOfType(t, protocol.TypeAccessDenied)
	if len(denied) != 1 || denied[0]["reason"] != protocol.ReasonInternal {
		t.Errorf("expected one access_denied/internal_error, got %v", denied)
	}

	// The store recovered; a re-join succeeds and replays history.
	if err := hub.Join(ctx, peer, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatalf("re-join error: %v", err)
	}
	if hub.MemberCount(conv.ID) != 1 {
		t.Error("re-join should add the peer")
	}
	if got := peer.messagesOfType(t, protocol.TypeConversationHistory); len(got) != 1 {
		t.Errorf("re-join replayed %d histories, want 1", len(got))
	}
}

// Concurrent accepted sends must reach the bus in store-accept (seq) order.
func TestHandleSend_PublishOrderMatchesAcceptOrder(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()
	_ = store.MarkPremium(ctx, conv.ID, "ref")

	peers := []*fakePeer{{id: "s1"}, {id: "s2"}}
	for _, p := range peers {
		if err := hub.Join(ctx, p, conv.ID, "client-1", protocol.RoleClient); err != nil {
			t.Fatal(err)
		}
	}

	const perPeer = 25
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(n int, peer *fakePeer) {
			defer wg.Done()
			for j := 0; j < perPeer; j++ {
				corr := fmt.Sprintf("corr-%d-%d", n, j)
				hub.HandleSend(ctx, peer, "client-1", false, sendMsg(conv.ID, "ordered", corr))
			}
		}(i, p)
	}
	wg.Wait()

	for _, p := range peers {
		got := p.messagesOfType(t, protocol.TypeNewMessage)
		if len(got) != len(peers)*perPeer {
			t.Fatalf("peer %s received %d new_message frames, want %d", p.id, len(got), len(peers)*perPeer)
		}
		prev := int64(0)
		for _, frame := range got {
			message, _ := frame["message"].(map[string]interface{})
			seq := int64(message["seq"].(float64))
			if seq <= prev {
				t.Fatalf("peer %s saw seq %d after %d, delivery out of accept order", p.id, seq, prev)
			}
			prev = seq
		}
	}
}

// An accepted send reaches every member, including the sender's own
// connection, with the sender's correlation id echoed.
func TestHandleSend_BroadcastIncludesSender(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()
	_ = store.MarkPremium(ctx, conv.ID, "ref") // no gate interference

	sender := &fakePeer{id: "s1"}
	other := &fakePeer{id: "s2"}
	if err := hub.Join(ctx, sender, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}
	if err := hub.Join(ctx, other, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}

	hub.HandleSend(ctx, sender, "client-1", false, sendMsg(conv.ID, "hello room", "corr-1"))

	for _, p := range []*fakePeer{sender, other} {
		got := p.messagesOfType(t, protocol.TypeNewMessage)
		if len(got) != 1 {
			t.Fatalf("peer %s received %d new_message frames, want 1", p.id, len(got))
		}
		if got[0]["correlation_id"] != "corr-1" {
			t.Errorf("peer %s correlation_id = %v, want corr-1", p.id, got[0]["correlation_id"])
		}
		message, _ := got[0]["message"].(map[string]interface{})
		if message["content"] != "hello room" {
			t.Errorf("peer %s content = %v", p.id, message["content"])
		}
	}
}

// A persona-originated message reaches the client member flagged as coming
// from the persona.
func TestHandleSend_PersonaMessageReachesClient(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()
	_ = store.MarkPremium(ctx, conv.ID, "ref")

	clientPeer := &fakePeer{id: "s-client"}
	operatorPeer := &fakePeer{id: "s-op"}
	if err := hub.Join(ctx, clientPeer, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}
	if err := hub.Join(ctx, operatorPeer, conv.ID, "operator-1", protocol.RoleOperator); err != nil {
		t.Fatal(err)
	}

	hub.HandleSend(ctx, operatorPeer, conv.PersonaID, true, sendMsg(conv.ID, "persona speaking", "corr-p"))

	got := clientPeer.messagesOfType(t, protocol.TypeNewMessage)
	if len(got) != 1 {
		t.Fatalf("client received %d new_message frames, want 1", len(got))
	}
	message, _ := got[0]["message"].(map[string]interface{})
	if message["is_from_persona"] != true {
		t.Error("message should be flagged is_from_persona")
	}
	if message["sender_id"] != conv.PersonaID {
		t.Errorf("sender_id = %v, want persona id %s", message["sender_id"], conv.PersonaID)
	}
}

// A quota-blocked send produces message_error for the sender only; other
// members see nothing.
func TestHandleSend_BlockedErrorToSenderOnly(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()

	sender := &fakePeer{id: "s1"}
	other := &fakePeer{id: "s2"}
	if err := hub.Join(ctx, sender, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}
	if err := hub.Join(ctx, other, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < convo.FreeMessageThreshold; i++ {
		if _, err := store.AppendMessage(ctx, conv.ID, "client-1", false, "seed"); err != nil {
			t.Fatalf("seed send error: %v", err)
		}
	}

	hub.HandleSend(ctx, sender, "client-1", false, sendMsg(conv.ID, "over quota", "corr-x"))

	errsToSender := sender.messagesOfType(t, protocol.TypeMessageError)
	if len(errsToSender) != 1 {
		t.Fatalf("sender received %d message_error frames, want 1", len(errsToSender))
	}
	if errsToSender[0]["reason"] != protocol.ReasonQuotaExceeded {
		t.Errorf("reason = %v, want quota_exceeded", errsToSender[0]["reason"])
	}
	if errsToSender[0]["correlation_id"] != "corr-x" {
		t.Errorf("correlation_id = %v, want corr-x", errsToSender[0]["correlation_id"])
	}

	if got := other.messagesOfType(t, protocol.TypeMessageError); len(got) != 0 {
		t.Errorf("non-sender received %d message_error frames, want 0", len(got))
	}
	if got := other.messagesOfType(t, protocol.TypeNewMessage); len(got) != 0 {
		t.Errorf("blocked send broadcast %d new_message frames, want 0", len(got))
	}
}

func TestHandleSend_RequiresMembership(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()
	_ = store.MarkPremium(ctx, conv.ID, "ref")

	outsider := &fakePeer{id: "s1"}
	hub.HandleSend(ctx, outsider, "client-1", false, sendMsg(conv.ID, "hi", "corr-1"))

	got := outsider.messagesOfType(t, protocol.TypeMessageError)
	if len(got) != 1 || got[0]["reason"] != protocol.ReasonNotParticipant {
		t.Errorf("expected one message_error/not_participant, got %v", got)
	}

	history, _ := store.Messages(ctx, conv.ID)
	if len(history) != 0 {
		t.Error("unjoined send must not persist a message")
	}
}

func TestHandleSend_InvalidContent(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()
	_ = store.MarkPremium(ctx, conv.ID, "ref")

	peer := &fakePeer{id: "s1"}
	if err := hub.Join(ctx, peer, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}

	hub.HandleSend(ctx, peer, "client-1", false, sendMsg(conv.ID, "", "corr-1"))

	got := peer.messagesOfType(t, protocol.TypeMessageError)
	if len(got) != 1 || got[0]["reason"] != protocol.ReasonInvalidContent {
		t.Errorf("expected one message_error/invalid_content, got %v", got)
	}
}

func TestLeave_Idempotent(t *testing.T) {
	hub, _, conv := newTestHub(t)
	peer := &fakePeer{id: "s1"}

	if err := hub.Join(context.Background(), peer, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}
	hub.Leave("s1")
	hub.Leave("s1") // second leave is a no-op
	hub.Leave("never-joined")

	if hub.MemberCount(conv.ID) != 0 {
		t.Error("room should be empty after leave")
	}
}

func TestLeave_StopsDelivery(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()
	_ = store.MarkPremium(ctx, conv.ID, "ref")

	stayer := &fakePeer{id: "s1"}
	leaver := &fakePeer{id: "s2"}
	if err := hub.Join(ctx, stayer, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}
	if err := hub.Join(ctx, leaver, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}

	hub.Leave("s2")
	hub.HandleSend(ctx, stayer, "client-1", false, sendMsg(conv.ID, "after leave", "corr-1"))

	if got := leaver.messagesOfType(t, protocol.TypeNewMessage); len(got) != 0 {
		t.Errorf("left member received %d new_message frames, want 0", len(got))
	}
	if got := stayer.messagesOfType(t, protocol.TypeNewMessage); len(got) != 1 {
		t.Errorf("remaining member received %d new_message frames, want 1", len(got))
	}
}

func TestHandleSend_OnAcceptedCallback(t *testing.T) {
	hub, store, conv := newTestHub(t)
	ctx := context.Background()
	_ = store.MarkPremium(ctx, conv.ID, "ref")

	var gotConv *convo.Conversation
	var gotMsg *convo.Message
	hub.SetOnAccepted(func(c *convo.Conversation, m *convo.Message) {
		gotConv, gotMsg = c, m
	})

	peer := &fakePeer{id: "s1"}
	if err := hub.Join(ctx, peer, conv.ID, "client-1", protocol.RoleClient); err != nil {
		t.Fatal(err)
	}
	hub.HandleSend(ctx, peer, "client-1", false, sendMsg(conv.ID, "callback me", "corr-1"))

	if gotConv == nil || gotMsg == nil {
		t.Fatal("onAccepted not invoked for an accepted send")
	}
	if gotMsg.Content != "callback me" {
		t.Errorf("callback message content = %q", gotMsg.Content)
	}

	// Blocked and rejected sends must not invoke the callback.
	gotMsg = nil
	hub.HandleSend(ctx, peer, "client-1", false, sendMsg(conv.ID, "", "corr-2"))
	if gotMsg != nil {
		t.Error("onAccepted invoked for a rejected send")
	}
}
