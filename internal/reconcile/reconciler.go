// Package reconcile tracks optimistic message sends on the client side and
// reconciles them against the server's authoritative broadcasts. Each send
// is tagged with a correlation id; the server echoes the id on the
// resulting new_message or message_error, which is the only signal used to
// resolve an optimistic entry.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/velora/persona-chat/internal/protocol"
)

// Entry states. A pending entry is an optimistic local render that the
// server has not yet acknowledged.
const (
	StatePending   = "pending"
	StateConfirmed = "confirmed"
)

// Entry is one message in the client's visible timeline. Pending entries
// carry only the locally-known fields; confirmed entries carry the server's
// authoritative copy.
type Entry struct {
	State         string
	CorrelationID string // empty for messages originated elsewhere
	Message       protocol.MessagePayload
	SentAt        time.Time // local send time, ordering key for pendings
}

// Reconciler maintains the visible message timeline for one conversation:
// server-confirmed messages ordered by seq, followed by still-pending
// optimistic sends in local send order. Rejected sends are removed outright;
// the caller surfaces the rejection reason through its own UI.
type Reconciler struct {
	mu        sync.Mutex
	confirmed []protocol.MessagePayload
	pending   map[string]*Entry // correlation id -> optimistic entry
}

// New creates an empty Reconciler.
func New() *Reconciler {
	return &Reconciler{
		pending: make(map[string]*Entry),
	}
}

// Track records an optimistic send under the given correlation id. The
// message renders immediately in History; it stays pending until Observe or
// Reject resolves it.
func (r *Reconciler) Track(correlationID, senderID, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[correlationID] = &Entry{
		State:         StatePending,
		CorrelationID: correlationID,
		Message: protocol.MessagePayload{
			SenderID: senderID,
			Content:  content,
		},
		SentAt: time.Now(),
	}
}

// Observe processes a new_message broadcast. If the correlation id matches a
// pending entry, that entry is confirmed and replaced with the server's
// authoritative copy (never duplicated). Broadcasts without a matching
// correlation id are messages from other participants and are appended as
// confirmed directly.
func (r *Reconciler) Observe(msg protocol.MessagePayload, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if correlationID != "" {
		if _, ok := r.pending[correlationID]; ok {
			delete(r.pending, correlationID)
		}
	}
	r.insertConfirmed(msg)
}

// Reject resolves a failed send. The pending entry is removed from the
// timeline; nothing is retried automatically. Returns true if a pending
// entry existed for the correlation id.
func (r *Reconciler) Reject(correlationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[correlationID]; !ok {
		return false
	}
	delete(r.pending, correlationID)
	return true
}

// ReplaceHistory resets the confirmed timeline from a conversation_history
// replay. Pending optimistic sends are kept; their broadcasts may still be
// in flight.
func (r *Reconciler) ReplaceHistory(msgs []protocol.MessagePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.confirmed = make([]protocol.MessagePayload, len(msgs))
	copy(r.confirmed, msgs)
	sort.SliceStable(r.confirmed, func(i, j int) bool {
		return r.confirmed[i].Seq < r.confirmed[j].Seq
	})
}

// History returns the visible timeline: confirmed messages in seq order,
// then pending optimistic sends in local send order.
func (r *Reconciler) History() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.confirmed)+len(r.pending))
	for _, m := range r.confirmed {
		out = append(out, Entry{State: StateConfirmed, Message: m})
	}

	pendings := make([]*Entry, 0, len(r.pending))
	for _, e := range r.pending {
		pendings = append(pendings, e)
	}
	sort.SliceStable(pendings, func(i, j int) bool {
		return pendings[i].SentAt.Before(pendings[j].SentAt)
	})
	for _, e := range pendings {
		out = append(out, *e)
	}
	return out
}

// PendingCount returns the number of unresolved optimistic sends.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ConfirmedCount returns the number of server-confirmed messages. This is
// the only count the client trusts for quota display.
func (r *Reconciler) ConfirmedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.confirmed)
}

// insertConfirmed appends a message in seq order, dropping duplicates. A
// duplicate can arrive when a history replay races an in-flight broadcast.
func (r *Reconciler) insertConfirmed(msg protocol.MessagePayload) {
	for _, m := range r.confirmed {
		if m.ID != "" && m.ID == msg.ID {
			return
		}
	}
	r.confirmed = append(r.confirmed, msg)
	sort.SliceStable(r.confirmed, func(i, j int) bool {
		return r.confirmed[i].Seq < r.confirmed[j].Seq
	})
}
