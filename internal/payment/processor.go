package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrProcessorUnavailable means the processor could not be reached in
	// time. The condition is transient: callers may retry without losing
	// state.
	ErrProcessorUnavailable = errors.New("payment: processor unavailable")

	// ErrInvalidSession means the processor does not recognize the session
	// (unknown or expired). Terminal for that session; the user restarts
	// the upgrade flow.
	ErrInvalidSession = errors.New("payment: invalid session")
)

// CheckoutSession is the processor's handle for a started checkout.
type CheckoutSession struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
}

// Processor is the external payment processor boundary. Implementations must
// bound their own network calls; a timeout maps to ErrProcessorUnavailable,
// never to a failed payment.
type Processor interface {
	// CreateSession starts a checkout for the given amount and returns the
	// opaque session id plus the redirect target for the processor's own
	// checkout UI.
	CreateSession(ctx context.Context, planID, conversationID string, amountCents int64) (*CheckoutSession, error)

	// SessionStatus reports whether the session has completed payment.
	// Unknown sessions return ErrInvalidSession.
	SessionStatus(ctx context.Context, sessionID string) (completed bool, err error)
}

// HTTPProcessor talks to the processor's REST API.
type HTTPProcessor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProcessor creates a processor client with a bounded request
// timeout.
func NewHTTPProcessor(baseURL, apiKey string, timeout time.Duration) *HTTPProcessor {
	return &HTTPProcessor{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateSession starts a checkout session via POST /v1/sessions.
func (p *HTTPProcessor) CreateSession(ctx context.Context, planID, conversationID string, amountCents int64) (*CheckoutSession, error) {
	body, err := json.Marshal(map[string]interface{}{
		"plan_id":      planID,
		"reference":    conversationID,
		"amount_cents": amountCents,
	})
	if err != nil {
		return nil, fmt.Errorf("payment: marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payment: build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: processor returned %d", ErrProcessorUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("payment: create session: unexpected status %d", resp.StatusCode)
	}

	var cs CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&cs); err != nil {
		return nil, fmt.Errorf("payment: decode session response: %w", err)
	}
	return &cs, nil
}

// SessionStatus queries GET /v1/sessions/<id>.
func (p *HTTPProcessor) SessionStatus(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/sessions/"+sessionID, nil)
	if err != nil {
		return false, fmt.Errorf("payment: build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, ErrInvalidSession
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("%w: processor returned %d", ErrProcessorUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("payment: session status: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"` // "open", "completed", "expired"
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("payment: decode status response: %w", err)
	}
	if body.Status == "expired" {
		return false, ErrInvalidSession
	}
	return body.Status == "completed", nil
}

// SandboxProcessor is a local stand-in used in dev mode when no processor is
// configured. Every session it creates reports completed on the first
// status check.
type SandboxProcessor struct{}

// CreateSession returns a synthetic session pointing at a local return URL.
func (SandboxProcessor) CreateSession(ctx context.Context, planID, conversationID string, amountCents int64) (*CheckoutSession, error) {
	id := "sandbox_" + uuid.New().String()
	return &CheckoutSession{
		ID:          id,
		RedirectURL: fmt.Sprintf("/payments/return?session_id=%s&conversation_id=%s", id, conversationID),
	}, nil
}

// SessionStatus always reports completion for sandbox sessions.
func (SandboxProcessor) SessionStatus(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}
