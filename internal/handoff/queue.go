// Package handoff routes conversations to a human-operator queue and lets
// operators respond on behalf of a persona. Queue state lives in Redis:
//
//	handoff:pending               ZSET, score = enqueue time (ms)
//	handoff:assigned:<operator>   ZSET, score = claim time (ms)
//	handoff:claim:<conversation>  operator id holding the claim
//	handoff:processed:<conversation>  marker set by mark_processed
//
// The processed marker is queue-only state; it never touches conversation
// status or the access gate.
package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPending         = "handoff:pending"
	keyAssignedPrefix  = "handoff:assigned:"
	keyClaimPrefix     = "handoff:claim:"
	keyProcessedPrefix = "handoff:processed:"

	// ProcessedTTL bounds how long a processed marker survives without new
	// client activity.
	ProcessedTTL = 24 * time.Hour

	// DefaultClaimBatch is how many pending conversations one list_assigned
	// call may claim.
	DefaultClaimBatch = 10
)

// Queue manages the operator handoff queues in Redis.
type Queue struct {
	rdb         *redis.Client
	claimScript *redis.Script
}

// NewQueue creates a Queue backed by the given Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:         rdb,
		claimScript: redis.NewScript(claimLua),
	}
}

// Enqueue adds a conversation to the pending queue. NX keeps the original
// enqueue time when the conversation is already waiting; a previous
// processed marker is cleared because new client activity reopens the work.
func (q *Queue) Enqueue(ctx context.Context, conversationID string) error {
	now := float64(time.Now().UnixMilli())

	pipe := q.rdb.Pipeline()
	pipe.ZAddNX(ctx, keyPending, redis.Z{Score: now, Member: conversationID})
	pipe.Del(ctx, keyProcessedPrefix+conversationID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("handoff: enqueue: %w", err)
	}
	return nil
}

// Dequeue removes a conversation from the pending queue without assigning
// it. The automated responder calls this after replying.
func (q *Queue) Dequeue(ctx context.Context, conversationID string) error {
	if err := q.rdb.ZRem(ctx, keyPending, conversationID).Err(); err != nil {
		return fmt.Errorf("handoff: dequeue: %w", err)
	}
	return nil
}

// Claim atomically moves up to limit conversations from the pending queue to
// the operator's assigned queue and records the claim holder per
// conversation. Returns the claimed conversation ids (oldest first).
func (q *Queue) Claim(ctx context.Context, operatorID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultClaimBatch
	}

	res, err := q.claimScript.Run(ctx, q.rdb,
		[]string{keyPending, keyAssignedPrefix + operatorID},
		operatorID, limit, keyClaimPrefix, time.Now().UnixMilli()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("handoff: claim: %w", err)
	}
	return res, nil
}

// Assigned returns the conversations currently assigned to the operator,
// oldest claim first.
func (q *Queue) Assigned(ctx context.Context, operatorID string) ([]string, error) {
	ids, err := q.rdb.ZRange(ctx, keyAssignedPrefix+operatorID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("handoff: assigned: %w", err)
	}
	return ids, nil
}

// ClaimedBy returns the operator holding the claim on a conversation, if
// any.
func (q *Queue) ClaimedBy(ctx context.Context, conversationID string) (string, bool, error) {
	op, err := q.rdb.Get(ctx, keyClaimPrefix+conversationID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("handoff: claimed by: %w", err)
	}
	return op, true, nil
}

// MarkProcessed removes the conversation from the operator's assigned queue,
// releases the claim, and sets the processed marker.
func (q *Queue) MarkProcessed(ctx context.Context, conversationID, operatorID string) error {
	pipe := q.rdb.Pipeline()
	pipe.ZRem(ctx, keyAssignedPrefix+operatorID, conversationID)
	pipe.ZRem(ctx, keyPending, conversationID)
	pipe.Del(ctx, keyClaimPrefix+conversationID)
	pipe.Set(ctx, keyProcessedPrefix+conversationID, operatorID, ProcessedTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("handoff: mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports whether the conversation carries a processed marker.
func (q *Queue) IsProcessed(ctx context.Context, conversationID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, keyProcessedPrefix+conversationID).Result()
	if err != nil {
		return false, fmt.Errorf("handoff: is processed: %w", err)
	}
	return n > 0, nil
}

// PendingCount returns the size of the pending queue, for metrics.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, keyPending).Result()
	if err != nil {
		return 0, fmt.Errorf("handoff: pending count: %w", err)
	}
	return n, nil
}

// claimLua pops up to ARGV[2] oldest entries from the pending queue, adds
// them to the operator's assigned queue, and records the claim holder for
// each. Running as a script keeps two operators from claiming the same
// conversation.
const claimLua = `
local pending = KEYS[1]
local assigned = KEYS[2]
local operator = ARGV[1]
local limit = tonumber(ARGV[2])
local claim_prefix = ARGV[3]
local now = ARGV[4]

local ids = redis.call('ZRANGE', pending, 0, limit - 1)
for _, id in ipairs(ids) do
    redis.call('ZREM', pending, id)
    redis.call('ZADD', assigned, now, id)
    redis.call('SET', claim_prefix .. id, operator)
end
return ids
`
