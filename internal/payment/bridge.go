package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/velora/persona-chat/internal/convo"
	"github.com/velora/persona-chat/internal/metrics"
)

// Bridge coordinates checkout creation and payment verification, flipping a
// conversation to premium exactly once per completed session.
type Bridge struct {
	plans    Catalog
	sessions SessionStore
	convs    convo.Store
	proc     Processor

	mu     sync.Mutex
	verify map[string]*sync.Mutex // per external session id; serializes Verify
}

// NewBridge wires the bridge's collaborators.
func NewBridge(plans Catalog, sessions SessionStore, convs convo.Store, proc Processor) *Bridge {
	return &Bridge{
		plans:    plans,
		sessions: sessions,
		convs:    convs,
		proc:     proc,
		verify:   make(map[string]*sync.Mutex),
	}
}

// CreateCheckoutSession starts a checkout for upgrading the conversation.
// It fails with ErrPlanNotFound or convo.ErrNotFound before touching the
// processor.
func (b *Bridge) CreateCheckoutSession(ctx context.Context, planID, conversationID, actorID string) (*CheckoutSession, error) {
	plan, err := b.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if _, err := b.convs.Get(ctx, conversationID); err != nil {
		return nil, err
	}

	cs, err := b.proc.CreateSession(ctx, planID, conversationID, plan.PriceCents)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ExternalID:     cs.ID,
		ConversationID: conversationID,
		PlanID:         planID,
	}
	if err := b.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	log.Printf("[payment] checkout created session=%s conversation=%s plan=%s actor=%s",
		cs.ID, conversationID, planID, actorID)
	return cs, nil
}

// Verify checks the session's completion with the processor and, on the
// first successful verification, marks the conversation premium. It is
// idempotent: verifying an already-verified session returns success again
// without re-applying side effects. Concurrent calls for the same session
// serialize on a per-session mutex so only one performs the transition.
func (b *Bridge) Verify(ctx context.Context, sessionID, conversationID string) (bool, error) {
	lock := b.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
		return false, ErrInvalidSession
	}
	if sess.ConversationID != conversationID {
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
		return false, fmt.Errorf("%w: session belongs to a different conversation", ErrInvalidSession)
	}

	switch sess.Status {
	case SessionVerified:
		// The UI may reach this from more than one return path for the same
		// session. MarkPremium is idempotent; re-asserting it here heals an
		// earlier attempt that advanced the session but lost the upgrade.
		if err := b.convs.MarkPremium(ctx, conversationID, sessionID); err != nil {
			return false, fmt.Errorf("payment: mark premium: %w", err)
		}
		metrics.VerificationsTotal.WithLabelValues("success").Inc()
		return true, nil
	case SessionFailed:
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
		return false, ErrInvalidSession
	}

	completed, err := b.proc.SessionStatus(ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSession):
			// Record the terminal failure so later verifies short-circuit.
			if _, aerr := b.sessions.AdvanceIfPending(ctx, sessionID, SessionFailed); aerr != nil {
				log.Printf("[payment] mark failed session=%s: %v", sessionID, aerr)
			}
			metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
		default:
			metrics.VerificationsTotal.WithLabelValues("unavailable").Inc()
		}
		return false, err
	}
	if !completed {
		metrics.VerificationsTotal.WithLabelValues("incomplete").Inc()
		return false, nil
	}

	// The upgrade lands before the status advance. If MarkPremium fails the
	// session stays pending and the whole verify reruns on retry; advancing
	// first would strand a verified session on a never-upgraded conversation.
	if err := b.convs.MarkPremium(ctx, conversationID, sessionID); err != nil {
		return false, fmt.Errorf("payment: mark premium: %w", err)
	}
	if _, err := b.sessions.AdvanceIfPending(ctx, sessionID, SessionVerified); err != nil {
		return false, err
	}
	log.Printf("[payment] verified session=%s conversation=%s (premium applied)",
		sessionID, conversationID)

	metrics.VerificationsTotal.WithLabelValues("success").Inc()
	return true, nil
}

// Plans exposes the plan catalog for listing.
func (b *Bridge) Plans(ctx context.Context) ([]Plan, error) {
	return b.plans.List(ctx)
}

func (b *Bridge) sessionLock(sessionID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, ok := b.verify[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		b.verify[sessionID] = lock
	}
	return lock
}
