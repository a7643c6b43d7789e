package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/velora/persona-chat/internal/convo"
	"github.com/velora/persona-chat/internal/handoff"
	"github.com/velora/persona-chat/internal/messaging"
	"github.com/velora/persona-chat/internal/metrics"
	"github.com/velora/persona-chat/internal/payment"
	"github.com/velora/persona-chat/internal/protocol"
	"github.com/velora/persona-chat/internal/ratelimit"
	"github.com/velora/persona-chat/internal/room"
	"github.com/velora/persona-chat/internal/session"
	"github.com/velora/persona-chat/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "chatd-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Conversation store + payment backends ---
	// With DATABASE_URL set, conversations and payment state live in
	// Postgres; otherwise everything runs on in-memory stores for local
	// development.
	var (
		db           *sql.DB
		store        convo.Store
		planCatalog  payment.Catalog
		paySessStore payment.SessionStore
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		if err := convo.Migrate(db); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		store = convo.NewPostgresStore(db)
		planCatalog = payment.NewPostgresCatalog(db)
		paySessStore = payment.NewPostgresSessionStore(db)
	} else {
		store = convo.NewMemoryStore()
		planCatalog = payment.NewMemoryCatalog(payment.Plan{
			ID:             "premium-unlimited",
			Name:           "Premium Unlimited",
			PriceCents:     999,
			MessageCredits: -1,
			IsActive:       true,
		})
		paySessStore = payment.NewMemorySessionStore()
	}

	// --- Payment processor ---
	var processor payment.Processor
	if apiURL := os.Getenv("PAYMENT_API_URL"); apiURL != "" {
		processor = payment.NewHTTPProcessor(apiURL, os.Getenv("PAYMENT_API_KEY"), 10*time.Second)
	} else {
		log.Printf("PAYMENT_API_URL not set, using sandbox payment processor")
		processor = payment.SandboxProcessor{}
	}

	bridge := payment.NewBridge(planCatalog, paySessStore, store, processor)
	if plans, err := bridge.Plans(context.Background()); err != nil {
		log.Printf("list plans: %v", err)
	} else {
		log.Printf("plan catalog loaded, %d active plans", len(plans))
	}

	// --- Rooms + handoff ---
	hub := room.NewHub(store, natsClient)
	handoffQueue := handoff.NewQueue(sessionStore.Client())
	handoffSvc := handoff.NewService(store, handoffQueue, natsClient)

	// Accepted client messages feed the handoff queue so operators (or
	// personad) can respond. Persona messages never re-enqueue.
	hub.SetOnAccepted(func(conv *convo.Conversation, msg *convo.Message) {
		if msg.IsFromPersona {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		handoffSvc.NotifyClientMessage(ctx, conv, msg)
	})

	log.Printf("persona-chat server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  store:           %s", storeKind(db))

	var server *ws.Server

	// requireSession loads the Redis session for a connection and verifies
	// the actor has identified. On failure it sends an error to the client
	// and returns nil.
	requireSession := func(conn *ws.Connection) *session.Session {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		sess, err := sessionStore.Get(ctx, conn.ID)
		if err != nil || sess == nil {
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "no_session", Message: "session not found",
			})
			server.SendMessage(conn.ID, resp)
			return nil
		}
		if !sess.Identified() {
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "not_identified", Message: "identify before using the chat",
			})
			server.SendMessage(conn.ID, resp)
			return nil
		}
		return sess
	}

	// rateLimited enforces a limiter rule for the connection, replying with
	// rate_limited when the action is rejected. Returns true when blocked.
	rateLimited := func(conn *ws.Connection, rule ratelimit.Rule) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		allowed, err := limiter.Allow(ctx, conn.ID, rule)
		if err != nil || allowed {
			return false
		}
		resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: limiter.RetryAfter(ctx, conn.ID, rule),
		})
		server.SendMessage(conn.ID, resp)
		return true
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// identify — bind the edge-authenticated actor to this session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeIdentify, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.IdentifyMsg)
		if !ok {
			return
		}
		if m.ActorID == "" || (m.Role != protocol.RoleClient && m.Role != protocol.RoleOperator) {
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_identity", Message: "actor_id and a valid role are required",
			})
			server.SendMessage(conn.ID, resp)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sessionStore.Bind(ctx, conn.ID, m.ActorID, m.Role); err != nil {
			log.Printf("identify: bind failed session=%s: %v", conn.ID, err)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeIdentified, protocol.IdentifiedMsg{
			ActorID: m.ActorID,
			Role:    m.Role,
		})
		server.SendMessage(conn.ID, resp)
		log.Printf("identify session=%s actor=%s role=%s", conn.ID, m.ActorID, m.Role)
	})

	// -----------------------------------------------------------------------
	// start_conversation — create a conversation with a persona
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStartConversation, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.StartConversationMsg)
		if !ok {
			return
		}
		sess := requireSession(conn)
		if sess == nil {
			return
		}
		if rateLimited(conn, ratelimit.RuleJoin) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conv, err := store.Create(ctx, sess.ActorID, m.PersonaID)
		if err != nil {
			log.Printf("start_conversation: create failed session=%s: %v", conn.ID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "create_failed", Message: "could not start conversation",
			})
			server.SendMessage(conn.ID, resp)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeConversationStarted, protocol.ConversationStartedMsg{
			Conversation: conversationPayload(conv),
		})
		server.SendMessage(conn.ID, resp)
		log.Printf("start_conversation session=%s conv=%s persona=%s", conn.ID, conv.ID, conv.PersonaID)
	})

	// -----------------------------------------------------------------------
	// join_conversation — enter the room, replay history
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinConversation, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinConversationMsg)
		if !ok {
			return
		}
		sess := requireSession(conn)
		if sess == nil {
			return
		}
		if rateLimited(conn, ratelimit.RuleJoin) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := hub.Join(ctx, conn, m.ConversationID, sess.ActorID, sess.Role); err != nil {
			log.Printf("join_conversation: session=%s conv=%s: %v", conn.ID, m.ConversationID, err)
			return
		}
		_ = sessionStore.SetConversation(ctx, conn.ID, m.ConversationID)
		log.Printf("join_conversation session=%s conv=%s", conn.ID, m.ConversationID)
	})

	// -----------------------------------------------------------------------
	// leave_conversation — leave the room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLeaveConversation, func(conn *ws.Connection, msg interface{}) {
		hub.Leave(conn.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sessionStore.ClearConversation(ctx, conn.ID)
		log.Printf("leave_conversation session=%s", conn.ID)
	})

	// -----------------------------------------------------------------------
	// send_message — gate-checked persist + broadcast
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		sess := requireSession(conn)
		if sess == nil {
			return
		}
		if rateLimited(conn, ratelimit.RuleMessage) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		senderID := sess.ActorID
		fromPersona := m.IsFromPersona && sess.Role == protocol.RoleOperator
		if fromPersona {
			// Operators speaking as the persona are indistinguishable
			// from personad on the wire: the message carries the
			// conversation's persona id, not the operator's.
			conv, err := store.Get(ctx, m.ConversationID)
			if err != nil {
				log.Printf("send_message: conv lookup failed session=%s conv=%s: %v", conn.ID, m.ConversationID, err)
				return
			}
			senderID = conv.PersonaID
		}

		hub.HandleSend(ctx, conn, senderID, fromPersona, m)
	})

	// -----------------------------------------------------------------------
	// start_upgrade — create a premium checkout session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStartUpgrade, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.StartUpgradeMsg)
		if !ok {
			return
		}
		sess := requireSession(conn)
		if sess == nil {
			return
		}
		if rateLimited(conn, ratelimit.RuleUpgrade) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		checkout, err := bridge.CreateCheckoutSession(ctx, m.PlanID, m.ConversationID, sess.ActorID)
		if err != nil {
			log.Printf("start_upgrade: session=%s conv=%s plan=%s: %v", conn.ID, m.ConversationID, m.PlanID, err)
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "upgrade_failed", Message: "could not create checkout session",
			})
			server.SendMessage(conn.ID, resp)
			return
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeUpgradeSession, protocol.UpgradeSessionMsg{
			SessionID:   checkout.ID,
			RedirectURL: checkout.RedirectURL,
		})
		server.SendMessage(conn.ID, resp)
		log.Printf("start_upgrade session=%s conv=%s checkout=%s", conn.ID, m.ConversationID, checkout.ID)
	})

	// -----------------------------------------------------------------------
	// verify_upgrade — idempotent payment verification
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeVerifyUpgrade, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.VerifyUpgradeMsg)
		if !ok {
			return
		}
		sess := requireSession(conn)
		if sess == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		success, err := bridge.Verify(ctx, m.SessionID, m.ConversationID)
		retryable := err != nil && errors.Is(err, payment.ErrProcessorUnavailable)
		if err != nil && !retryable {
			log.Printf("verify_upgrade: session=%s checkout=%s: %v", conn.ID, m.SessionID, err)
		}

		resp, _ := protocol.NewServerMessage(protocol.TypeUpgradeResult, protocol.UpgradeResultMsg{
			SessionID: m.SessionID,
			Success:   success,
			Retryable: retryable,
		})
		server.SendMessage(conn.ID, resp)
	})

	// -----------------------------------------------------------------------
	// list_assigned — operator claims + lists handoff conversations
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeListAssigned, func(conn *ws.Connection, msg interface{}) {
		sess := requireSession(conn)
		if sess == nil {
			return
		}
		if sess.Role != protocol.RoleOperator {
			resp, _ := protocol.NewServerMessage(protocol.TypeAccessDenied, protocol.AccessDeniedMsg{
				Reason: protocol.ReasonNotParticipant,
			})
			server.SendMessage(conn.ID, resp)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		convs, err := handoffSvc.ListAssigned(ctx, sess.ActorID)
		if err != nil {
			log.Printf("list_assigned: operator=%s: %v", sess.ActorID, err)
			return
		}

		payloads := make([]protocol.ConversationPayload, 0, len(convs))
		for _, conv := range convs {
			payloads = append(payloads, conversationPayload(conv))
		}
		resp, _ := protocol.NewServerMessage(protocol.TypeAssignedConversations, protocol.AssignedConversationsMsg{
			Conversations: payloads,
		})
		server.SendMessage(conn.ID, resp)
	})

	// -----------------------------------------------------------------------
	// mark_processed — operator marks an assigned conversation handled
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkProcessed, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.MarkProcessedMsg)
		if !ok {
			return
		}
		sess := requireSession(conn)
		if sess == nil {
			return
		}
		if sess.Role != protocol.RoleOperator {
			resp, _ := protocol.NewServerMessage(protocol.TypeAccessDenied, protocol.AccessDeniedMsg{
				ConversationID: m.ConversationID,
				Reason:         protocol.ReasonNotParticipant,
			})
			server.SendMessage(conn.ID, resp)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := handoffSvc.MarkProcessed(ctx, m.ConversationID, sess.ActorID); err != nil {
			log.Printf("mark_processed: operator=%s conv=%s: %v", sess.ActorID, m.ConversationID, err)
			return
		}
		resp, _ := protocol.NewServerMessage(protocol.TypeProcessed, protocol.ProcessedMsg{
			ConversationID: m.ConversationID,
		})
		server.SendMessage(conn.ID, resp)
	})

	server = ws.NewServer(config, sessionStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Room membership is connection-scoped; a dropped connection leaves its
	// room immediately.
	server.SetOnDisconnect(func(connID string) {
		hub.Leave(connID)
	})

	server.Handle("/metrics", metrics.Handler())
	server.Handle("/payments/return", paymentReturnHandler(bridge))

	// Keep the handoff backlog gauge current.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if n, err := handoffQueue.PendingCount(ctx); err == nil {
				metrics.HandoffPending.Set(float64(n))
			}
			cancel()
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		hub.Shutdown()
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if db != nil {
			_ = db.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// paymentReturnHandler verifies the checkout session the processor redirects
// back to after payment. The WebSocket client also verifies via
// verify_upgrade; verification is idempotent, so both paths are safe.
func paymentReturnHandler(bridge *payment.Bridge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session_id")
		conversationID := r.URL.Query().Get("conversation_id")
		if sessionID == "" || conversationID == "" {
			http.Error(w, "missing session_id or conversation_id", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		success, err := bridge.Verify(ctx, sessionID, conversationID)
		if err != nil {
			if errors.Is(err, payment.ErrProcessorUnavailable) {
				http.Error(w, "payment processor unavailable, retry shortly", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "payment could not be verified", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if success {
			_, _ = w.Write([]byte("payment confirmed, you can return to your conversation"))
		} else {
			_, _ = w.Write([]byte("payment not completed yet, retry from the app"))
		}
	})
}

func conversationPayload(c *convo.Conversation) protocol.ConversationPayload {
	return protocol.ConversationPayload{
		ID:           c.ID,
		ClientID:     c.ClientID,
		PersonaID:    c.PersonaID,
		MessageCount: c.MessageCount,
		IsPremium:    c.IsPremium,
		Status:       c.Status,
	}
}

func storeKind(db *sql.DB) string {
	if db != nil {
		return "postgres"
	}
	return "memory"
}
