package reconcile

import (
	"testing"

	"github.com/velora/persona-chat/internal/protocol"
)

func payload(id string, seq int64, content string) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       "client-1",
		Content:        content,
		Seq:            seq,
	}
}

func TestTrack_RendersOptimistically(t *testing.T) {
	r := New()
	r.Track("corr-1", "client-1", "hello")

	h := r.History()
	if len(h) != 1 {
		t.Fatalf("history length = %d, want 1", len(h))
	}
	if h[0].State != StatePending {
		t.Errorf("entry state = %q, want pending", h[0].State)
	}
	if h[0].Message.Content != "hello" {
		t.Errorf("entry content = %q", h[0].Message.Content)
	}
	if r.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want 1", r.PendingCount())
	}
}

// Confirmation replaces the optimistic entry with the server copy; the
// message appears exactly once.
func TestObserve_ConfirmsWithoutDuplicate(t *testing.T) {
	r := New()
	r.Track("corr-1", "client-1", "hello")
	r.Observe(payload("m1", 1, "hello"), "corr-1")

	h := r.History()
	if len(h) != 1 {
		t.Fatalf("history length = %d, want 1 (no duplicate)", len(h))
	}
	if h[0].State != StateConfirmed {
		t.Errorf("entry state = %q, want confirmed", h[0].State)
	}
	if h[0].Message.ID != "m1" || h[0].Message.Seq != 1 {
		t.Errorf("confirmed entry should carry the server copy, got %+v", h[0].Message)
	}
	if r.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after confirm, want 0", r.PendingCount())
	}
}

func TestObserve_RemoteMessageAppends(t *testing.T) {
	r := New()
	r.Observe(payload("m1", 1, "from persona"), "")

	h := r.History()
	if len(h) != 1 || h[0].State != StateConfirmed {
		t.Fatalf("remote message should append as confirmed, got %+v", h)
	}
}

// A rejected send leaves no history entry at all.
func TestReject_RemovesPendingEntry(t *testing.T) {
	r := New()
	r.Track("corr-1", "client-1", "over quota")

	if !r.Reject("corr-1") {
		t.Fatal("Reject should report the entry existed")
	}
	if len(r.History()) != 0 {
		t.Errorf("history length = %d after reject, want 0", len(r.History()))
	}
	if r.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after reject, want 0", r.PendingCount())
	}

	// Rejecting an unknown correlation id is a no-op.
	if r.Reject("corr-unknown") {
		t.Error("Reject of unknown correlation id should return false")
	}
}

func TestHistory_ConfirmedBeforePending(t *testing.T) {
	r := New()
	r.Observe(payload("m1", 1, "first"), "")
	r.Track("corr-1", "client-1", "optimistic-a")
	r.Observe(payload("m2", 2, "second"), "")
	r.Track("corr-2", "client-1", "optimistic-b")

	h := r.History()
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}
	if h[0].Message.ID != "m1" || h[1].Message.ID != "m2" {
		t.Errorf("confirmed messages out of order: %v, %v", h[0].Message.ID, h[1].Message.ID)
	}
	if h[2].CorrelationID != "corr-1" || h[3].CorrelationID != "corr-2" {
		t.Errorf("pending entries out of send order: %v, %v", h[2].CorrelationID, h[3].CorrelationID)
	}
}

func TestReplaceHistory_KeepsPending(t *testing.T) {
	r := New()
	r.Track("corr-1", "client-1", "in flight")
	r.ReplaceHistory([]protocol.MessagePayload{
		payload("m2", 2, "second"),
		payload("m1", 1, "first"),
	})

	h := r.History()
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	// Replay arrives unsorted; history must still be seq-ordered.
	if h[0].Message.Seq != 1 || h[1].Message.Seq != 2 {
		t.Errorf("replayed history out of seq order: %d, %d", h[0].Message.Seq, h[1].Message.Seq)
	}
	if h[2].State != StatePending {
		t.Errorf("pending optimistic send lost on history replay")
	}
	if r.ConfirmedCount() != 2 {
		t.Errorf("ConfirmedCount = %d, want 2", r.ConfirmedCount())
	}
}

// A history replay racing the in-flight broadcast must not duplicate the
// message.
func TestObserve_DuplicateAfterReplay(t *testing.T) {
	r := New()
	r.Track("corr-1", "client-1", "hello")
	r.ReplaceHistory([]protocol.MessagePayload{payload("m1", 1, "hello")})
	r.Observe(payload("m1", 1, "hello"), "corr-1")

	if n := r.ConfirmedCount(); n != 1 {
		t.Errorf("ConfirmedCount = %d, want 1 (no duplicate)", n)
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending entry should be resolved by the echoed broadcast")
	}
}
