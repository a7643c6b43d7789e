// Package messaging provides a NATS client wrapper for pub/sub messaging
// across persona-chat services. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for conversation
// fan-out and the operator handoff channel.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across persona-chat services.
const (
	SubjectConversation   = "conversation"    // + .<conversation_id>
	SubjectHandoffPending = "handoff.pending" // accepted client messages awaiting a persona reply
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "persona-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishConversation publishes data to the conversation.<conversationID>
// subject. Every server instance with members in the room receives it.
func (c *Client) PublishConversation(conversationID string, data []byte) error {
	return c.Publish(SubjectConversation+"."+conversationID, data)
}

// SubscribeConversation subscribes to the conversation.<conversationID>
// subject on behalf of a single session. The subscription is keyed by
// session ID so that multiple members of the same room on one server do not
// overwrite each other's subscriptions.
func (c *Client) SubscribeConversation(conversationID, sessionID string, handler func(data []byte)) error {
	subject := SubjectConversation + "." + conversationID
	key := "roomsub:" + sessionID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeConversation removes a session's room subscription. It is
// idempotent: unsubscribing a session with no subscription is a no-op.
func (c *Client) UnsubscribeConversation(sessionID string) error {
	key := "roomsub:" + sessionID

	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// PublishHandoffPending publishes a handoff notification for an accepted
// client message.
func (c *Client) PublishHandoffPending(data []byte) error {
	return c.Publish(SubjectHandoffPending, data)
}

// SubscribeHandoffPending subscribes to handoff notifications. Used by the
// automated persona responder.
func (c *Client) SubscribeHandoffPending(handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectHandoffPending, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectHandoffPending, err)
	}

	c.mu.Lock()
	c.subs[SubjectHandoffPending] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
