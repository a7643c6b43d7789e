// Package client provides a reusable WebSocket client for the persona chat
// server. It connects using gobwas/ws (the same library the server uses),
// handles the session_created handshake, tags outgoing sends with
// correlation ids, and reconciles optimistic sends against the server's
// broadcasts.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/velora/persona-chat/internal/protocol"
	"github.com/velora/persona-chat/internal/reconcile"
)

// Client represents a single connection to the chat server. It manages the
// WebSocket lifecycle, dispatches incoming messages to registered handlers,
// and maintains a per-conversation reconciler for optimistic sends.
//
// A reconnect produces a fresh Client; rooms are connection-scoped, so the
// caller must join its conversation again after dialing.
type Client struct {
	conn      net.Conn
	sessionID string
	mu        sync.Mutex // serializes writes
	handlers  map[string]func(json.RawMessage)

	recMu       sync.Mutex
	reconcilers map[string]*reconcile.Reconciler // conversation id -> reconciler

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the given WebSocket URL and starts the background read
// loop. The server's session_created message is handled internally; use
// WaitForSession to block until the handshake completes.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:        conn,
		handlers:    make(map[string]func(json.RawMessage)),
		reconcilers: make(map[string]*reconcile.Reconciler),
		done:        make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// send marshals and writes a message to the server. Goroutine-safe.
func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Identify binds the actor identity to this session.
func (c *Client) Identify(actorID, role string) error {
	return c.send(protocol.IdentifyMsg{
		Type:    protocol.TypeIdentify,
		ActorID: actorID,
		Role:    role,
	})
}

// StartConversation asks the server to create a conversation with the given
// persona. The result arrives as a conversation_started message.
func (c *Client) StartConversation(personaID string) error {
	return c.send(protocol.StartConversationMsg{
		Type:      protocol.TypeStartConversation,
		PersonaID: personaID,
	})
}

// JoinConversation subscribes this connection to a conversation room. The
// server replies with a conversation_history replay on success.
func (c *Client) JoinConversation(conversationID string) error {
	return c.send(protocol.JoinConversationMsg{
		Type:           protocol.TypeJoinConversation,
		ConversationID: conversationID,
	})
}

// LeaveConversation unsubscribes this connection from a conversation room.
func (c *Client) LeaveConversation(conversationID string) error {
	return c.send(protocol.LeaveConversationMsg{
		Type:           protocol.TypeLeaveConversation,
		ConversationID: conversationID,
	})
}

// SendMessage submits a message with a fresh correlation id and renders it
// optimistically in the conversation's reconciler. The returned correlation
// id identifies the pending entry until the server confirms or rejects it.
func (c *Client) SendMessage(conversationID, content string) (string, error) {
	correlationID := uuid.New().String()
	c.reconciler(conversationID).Track(correlationID, c.SessionID(), content)

	err := c.send(protocol.SendMessageMsg{
		Type:           protocol.TypeSendMessage,
		ConversationID: conversationID,
		Content:        content,
		CorrelationID:  correlationID,
	})
	if err != nil {
		// The send never left; drop the optimistic entry.
		c.reconciler(conversationID).Reject(correlationID)
		return "", err
	}
	return correlationID, nil
}

// StartUpgrade requests a premium checkout session for the conversation.
// The server replies with upgrade_session carrying the redirect URL.
func (c *Client) StartUpgrade(conversationID, planID string) error {
	return c.send(protocol.StartUpgradeMsg{
		Type:           protocol.TypeStartUpgrade,
		ConversationID: conversationID,
		PlanID:         planID,
	})
}

// VerifyUpgrade asks the server to verify a payment session. Safe to call
// repeatedly; verification is idempotent server-side.
func (c *Client) VerifyUpgrade(conversationID, sessionID string) error {
	return c.send(protocol.VerifyUpgradeMsg{
		Type:           protocol.TypeVerifyUpgrade,
		ConversationID: conversationID,
		SessionID:      sessionID,
	})
}

// Ping sends a keepalive ping.
func (c *Client) Ping() error {
	return c.send(protocol.PingMsg{Type: protocol.TypePing})
}

// On registers a handler for a server message type. Handlers run on the
// read loop goroutine and receive the full raw JSON; they should not block.
// Registering a second handler for the same type replaces the first. Safe to
// call while the connection is live.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = handler
}

// WaitForSession blocks until the server has assigned a session ID or the
// context is cancelled.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("client: connection closed before session was created")
		case <-ticker.C:
			if c.SessionID() != "" {
				return nil
			}
		}
	}
}

// SessionID returns the session ID assigned by the server, or empty if the
// handshake has not completed.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// History returns the visible message timeline for a conversation:
// confirmed messages in server order followed by unresolved optimistic
// sends.
func (c *Client) History(conversationID string) []reconcile.Entry {
	return c.reconciler(conversationID).History()
}

// Close closes the connection and stops the read loop. Safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// reconciler returns the per-conversation reconciler, creating it on first
// use.
func (c *Client) reconciler(conversationID string) *reconcile.Reconciler {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	r, ok := c.reconcilers[conversationID]
	if !ok {
		r = reconcile.New()
		c.reconcilers[conversationID] = r
	}
	return r
}

// readLoop continuously reads frames from the server, feeds reconciliation
// messages to the per-conversation reconcilers, and dispatches to registered
// handlers. It runs until the connection closes.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case protocol.TypeSessionCreated:
			var msg protocol.SessionCreatedMsg
			if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
				c.mu.Lock()
				c.sessionID = msg.SessionID
				c.mu.Unlock()
			}

		case protocol.TypeNewMessage:
			var msg protocol.NewMessageMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.reconciler(msg.Message.ConversationID).Observe(msg.Message, msg.CorrelationID)
			}

		case protocol.TypeMessageError:
			var msg protocol.MessageErrorMsg
			if err := json.Unmarshal(data, &msg); err == nil && msg.CorrelationID != "" {
				// The reconciler for the right conversation holds the
				// pending entry; reject wherever it is tracked.
				c.recMu.Lock()
				recs := make([]*reconcile.Reconciler, 0, len(c.reconcilers))
				for _, r := range c.reconcilers {
					recs = append(recs, r)
				}
				c.recMu.Unlock()
				for _, r := range recs {
					if r.Reject(msg.CorrelationID) {
						break
					}
				}
			}

		case protocol.TypeConversationHistory:
			var msg protocol.ConversationHistoryMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.reconciler(msg.ConversationID).ReplaceHistory(msg.Messages)
			}
		}

		c.mu.Lock()
		handler, ok := c.handlers[envelope.Type]
		c.mu.Unlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
