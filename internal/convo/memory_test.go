package convo

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestConversation(t *testing.T, s *MemoryStore) *Conversation {
	t.Helper()
	c, err := s.Create(context.Background(), "client-1", "persona-1")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return c
}

func TestCreate_MissingIdentity(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Create(ctx, "", "persona-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Create with empty client = %v, want ErrNotFound", err)
	}
	if _, err := s.Create(ctx, "client-1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Create with empty persona = %v, want ErrNotFound", err)
	}
}

func TestAppendMessage_CountsAndSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c, _ := s.Create(ctx, "client-1", "persona-1")
	_ = s.MarkPremium(ctx, c.ID, "ref-1") // lift the gate so we can count freely

	const n = 5
	for i := 0; i < n; i++ {
		msg, err := s.AppendMessage(ctx, c.ID, "client-1", false, "hello")
		if err != nil {
			t.Fatalf("AppendMessage #%d error: %v", i+1, err)
		}
		if msg.Seq != int64(i+1) {
			t.Errorf("message #%d Seq = %d, want %d", i+1, msg.Seq, i+1)
		}
	}

	got, _ := s.Get(ctx, c.ID)
	if got.MessageCount != n {
		t.Errorf("MessageCount = %d after %d sends, want %d", got.MessageCount, n, n)
	}

	history, err := s.Messages(ctx, c.ID)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(history) != n {
		t.Fatalf("history length = %d, want %d", len(history), n)
	}
	for i, m := range history {
		if m.Seq != int64(i+1) {
			t.Errorf("history[%d].Seq = %d, want %d", i, m.Seq, i+1)
		}
	}
}

// Free conversation: two messages accepted, the third blocked without a
// counter increment or history entry, and the conversation flips to
// payment_required. After the upgrade the same send succeeds.
func TestAppendMessage_QuotaLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newTestConversation(t, s)

	for i := 0; i < FreeMessageThreshold; i++ {
		if _, err := s.AppendMessage(ctx, c.ID, "client-1", false, "msg"); err != nil {
			t.Fatalf("free send #%d error: %v", i+1, err)
		}
	}

	_, err := s.AppendMessage(ctx, c.ID, "client-1", false, "blocked")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("send over quota = %v, want ErrQuotaExceeded", err)
	}

	got, _ := s.Get(ctx, c.ID)
	if got.MessageCount != FreeMessageThreshold {
		t.Errorf("blocked send incremented count: %d", got.MessageCount)
	}
	if got.Status != StatusPaymentRequired {
		t.Errorf("Status = %q after block, want %q", got.Status, StatusPaymentRequired)
	}
	history, _ := s.Messages(ctx, c.ID)
	if len(history) != FreeMessageThreshold {
		t.Errorf("blocked send persisted a message: history len = %d", len(history))
	}

	// Blocked is retriable after upgrade.
	if err := s.MarkPremium(ctx, c.ID, "pay-ref"); err != nil {
		t.Fatalf("MarkPremium() error: %v", err)
	}
	msg, err := s.AppendMessage(ctx, c.ID, "client-1", false, "after upgrade")
	if err != nil {
		t.Fatalf("send after upgrade error: %v", err)
	}
	if msg.Seq != FreeMessageThreshold+1 {
		t.Errorf("post-upgrade Seq = %d, want %d", msg.Seq, FreeMessageThreshold+1)
	}

	got, _ = s.Get(ctx, c.ID)
	if got.Status != StatusPremium || !got.IsPremium {
		t.Errorf("conversation not premium after upgrade: status=%q premium=%v", got.Status, got.IsPremium)
	}
}

// Two concurrent sends race at count = threshold-1: exactly one must be
// accepted and one blocked, never both accepted.
func TestAppendMessage_ConcurrentAtBoundary(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		s := NewMemoryStore()
		ctx := context.Background()
		c := newTestConversation(t, s)

		// Consume all but the last free slot.
		for i := 0; i < FreeMessageThreshold-1; i++ {
			if _, err := s.AppendMessage(ctx, c.ID, "client-1", false, "warmup"); err != nil {
				t.Fatalf("warmup send error: %v", err)
			}
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted int
			blocked  int
		)
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendMessage(ctx, c.ID, "client-1", false, "race")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					accepted++
				case errors.Is(err, ErrQuotaExceeded):
					blocked++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if accepted != 1 || blocked != 1 {
			t.Fatalf("iter %d: accepted=%d blocked=%d, want exactly one of each", iter, accepted, blocked)
		}

		got, _ := s.Get(ctx, c.ID)
		if got.MessageCount != FreeMessageThreshold {
			t.Fatalf("iter %d: MessageCount = %d, want %d", iter, got.MessageCount, FreeMessageThreshold)
		}
	}
}

func TestMarkPremium_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newTestConversation(t, s)

	if err := s.MarkPremium(ctx, c.ID, "ref-a"); err != nil {
		t.Fatalf("first MarkPremium error: %v", err)
	}
	if err := s.MarkPremium(ctx, c.ID, "ref-b"); err != nil {
		t.Fatalf("second MarkPremium error: %v", err)
	}

	got, _ := s.Get(ctx, c.ID)
	if got.PaymentRef != "ref-a" {
		t.Errorf("PaymentRef = %q, second mark must not overwrite", got.PaymentRef)
	}

	if err := s.MarkPremium(ctx, "nope", "ref"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkPremium unknown conv = %v, want ErrNotFound", err)
	}
}

func TestGetMany_SkipsMissing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := newTestConversation(t, s)
	b := newTestConversation(t, s)

	out, err := s.GetMany(ctx, []string{a.ID, "missing", b.ID})
	if err != nil {
		t.Fatalf("GetMany() error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("GetMany returned %d conversations, want 2", len(out))
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newTestConversation(t, s)

	got, _ := s.Get(ctx, c.ID)
	got.MessageCount = 99

	again, _ := s.Get(ctx, c.ID)
	if again.MessageCount != 0 {
		t.Errorf("mutating a returned conversation leaked into the store")
	}
}
