package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"hash/fnv"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/velora/persona-chat/internal/convo"
	"github.com/velora/persona-chat/internal/handoff"
	"github.com/velora/persona-chat/internal/messaging"
)

// replyDelay approximates a human typing pause before the persona answers.
const replyDelay = 2 * time.Second

// cannedReplies is the fallback persona voice. A conversation claimed by an
// operator is never answered here; the operator owns it.
var cannedReplies = []string{
	"That's really interesting, tell me more about that.",
	"I was just thinking about something similar. What made you bring it up?",
	"I love that you shared this with me. How did it make you feel?",
	"Hmm, let me think about that one. What's your take?",
	"You always have the best stories. What happened next?",
}

func main() {
	log.Println("Starting persona responder service...")

	// Redis setup.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "persona-chat-personad"

	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// Conversation store. personad persists persona replies through the
	// same store chatd uses, so a shared Postgres is required for replies
	// to reach clients; the memory fallback only suits isolated testing.
	var (
		db    *sql.DB
		store convo.Store
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		store = convo.NewPostgresStore(db)
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store (replies will not reach chatd)")
		store = convo.NewMemoryStore()
	}

	queue := handoff.NewQueue(rdb)
	svc := handoff.NewService(store, queue, natsClient)

	err = natsClient.SubscribeHandoffPending(func(data []byte) {
		var event handoff.PendingEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[personad] bad pending event: %v", err)
			return
		}

		go respond(svc, queue, event)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to handoff events: %v", err)
	}

	log.Printf("persona responder running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	rdb.Close()
	if db != nil {
		_ = db.Close()
	}
}

// respond answers one pending client message as the persona, unless an
// operator has claimed the conversation in the meantime.
func respond(svc *handoff.Service, queue *handoff.Queue, event handoff.PendingEvent) {
	time.Sleep(replyDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if operator, claimed, err := queue.ClaimedBy(ctx, event.ConversationID); err != nil {
		log.Printf("[personad] claim check failed conv=%s: %v", event.ConversationID, err)
		return
	} else if claimed {
		log.Printf("[personad] conv=%s claimed by operator=%s, skipping", event.ConversationID, operator)
		return
	}

	reply := pickReply(event.Content)
	msg, err := svc.RespondAsPersona(ctx, event.ConversationID, reply)
	if err != nil {
		log.Printf("[personad] respond failed conv=%s: %v", event.ConversationID, err)
		return
	}
	log.Printf("[personad] replied conv=%s msg=%s seq=%d", event.ConversationID, msg.ID, msg.Seq)
}

// pickReply chooses a canned reply deterministically from the incoming
// content.
func pickReply(content string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(content))
	return cannedReplies[int(h.Sum32())%len(cannedReplies)]
}
