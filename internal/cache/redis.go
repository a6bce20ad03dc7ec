// Package cache implements the engine's cache tier on Redis: per-item
// counter projections, the dirty set drained by the aggregate sync,
// per-actor membership sets, intent processing status records, and the
// downstream read caches invalidated by the batcher.
//
// Every operation here is a single-key atomic Redis command. The cache
// is never a correctness source; the authoritative store is.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trailhead/api/internal/store"
)

const (
	dirtySetKey    = "dirty_items"
	voteStatePfx   = "vote_state:"
	statusPfx      = "intent_status:"
	votesPfx       = "votes:"
	followsPfx     = "follows:"
	itemPfx        = "item:"
	dashboardPfx   = "dashboard:"
	feedRecentKey  = "feed:recent"
	feedTopKey     = "feed:top"
	leaderboardKey = "leaderboard:global"
)

// markDirtyBatch bounds the size of a single SADD so a burst of dirty
// marks cannot produce an unbounded command.
const markDirtyBatch = 100

// IntentStatus is the processing status record the fast path polls for
// optimistic-UI confirmation. TTL-bound in Redis.
type IntentStatus struct {
	RequestID  string    `json:"request_id"`
	Status     string    `json:"status"` // completed | failed | pending
	Reconciled bool      `json:"reconciled"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Cache struct {
	client     *redis.Client
	counterTTL time.Duration
	statusTTL  time.Duration
}

// New connects to Redis and returns the cache tier.
func New(redisURL string, counterTTL, statusTTL time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, counterTTL, statusTTL), nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client *redis.Client, counterTTL, statusTTL time.Duration) *Cache {
	return &Cache{client: client, counterTTL: counterTTL, statusTTL: statusTTL}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// MarkDirty adds item ids to the dirty set in bounded batches. Duplicate
// adds are harmless; the set unions.
func (c *Cache) MarkDirty(ctx context.Context, itemIDs ...string) error {
	for start := 0; start < len(itemIDs); start += markDirtyBatch {
		end := start + markDirtyBatch
		if end > len(itemIDs) {
			end = len(itemIDs)
		}
		members := make([]interface{}, 0, end-start)
		for _, id := range itemIDs[start:end] {
			members = append(members, id)
		}
		if err := c.client.SAdd(ctx, dirtySetKey, members...).Err(); err != nil {
			return fmt.Errorf("mark dirty: %w", err)
		}
	}
	return nil
}

// DirtySnapshot returns the current members of the dirty set without
// removing them. Items are only cleared after a successful sync.
func (c *Cache) DirtySnapshot(ctx context.Context) ([]string, error) {
	ids, err := c.client.SMembers(ctx, dirtySetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("dirty snapshot: %w", err)
	}
	return ids, nil
}

// ClearDirty removes only the given ids from the dirty set. Ids marked
// dirty again since the snapshot stay for the next cycle.
func (c *Cache) ClearDirty(ctx context.Context, itemIDs ...string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(itemIDs))
	for _, id := range itemIDs {
		members = append(members, id)
	}
	if err := c.client.SRem(ctx, dirtySetKey, members...).Err(); err != nil {
		return fmt.Errorf("clear dirty: %w", err)
	}
	return nil
}

// SetCounters mirrors recomputed counts into the vote_state hash with a
// refreshed TTL.
func (c *Cache) SetCounters(ctx context.Context, itemID string, counts store.ItemCounts) error {
	key := voteStatePfx + itemID
	if err := c.client.HSet(ctx, key,
		"positive_count", counts.Positive,
		"negative_count", counts.Negative,
		"followers_count", counts.Followers,
	).Err(); err != nil {
		return fmt.Errorf("set counters: %w", err)
	}
	if err := c.client.Expire(ctx, key, c.counterTTL).Err(); err != nil {
		return fmt.Errorf("expire counters: %w", err)
	}
	return nil
}

// GetCounters reads the cached counter hash. The second return is false
// on a cache miss.
func (c *Cache) GetCounters(ctx context.Context, itemID string) (store.ItemCounts, bool, error) {
	fields, err := c.client.HGetAll(ctx, voteStatePfx+itemID).Result()
	if err != nil {
		return store.ItemCounts{}, false, fmt.Errorf("get counters: %w", err)
	}
	if len(fields) == 0 {
		return store.ItemCounts{}, false, nil
	}

	var counts store.ItemCounts
	counts.Positive, _ = strconv.Atoi(fields["positive_count"])
	counts.Negative, _ = strconv.Atoi(fields["negative_count"])
	counts.Followers, _ = strconv.Atoi(fields["followers_count"])
	return counts, true, nil
}

// SetStatus writes a processing status record keyed by request id.
func (c *Cache) SetStatus(ctx context.Context, status IntentStatus) error {
	status.UpdatedAt = time.Now().UTC()
	jsonData, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := c.client.Set(ctx, statusPfx+status.RequestID, jsonData, c.statusTTL).Err(); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// GetStatus looks up the processing status for a request id. The second
// return is false when the record is missing or expired.
func (c *Cache) GetStatus(ctx context.Context, requestID string) (IntentStatus, bool, error) {
	jsonData, err := c.client.Get(ctx, statusPfx+requestID).Result()
	if err == redis.Nil {
		return IntentStatus{}, false, nil
	}
	if err != nil {
		return IntentStatus{}, false, fmt.Errorf("get status: %w", err)
	}

	var status IntentStatus
	if err := json.Unmarshal([]byte(jsonData), &status); err != nil {
		return IntentStatus{}, false, fmt.Errorf("unmarshal status: %w", err)
	}
	return status, true, nil
}

func membershipKey(actorID string, actionType store.ActionType) string {
	if actionType == store.ActionFollow {
		return followsPfx + actorID
	}
	return votesPfx + actorID
}

// SetMembership records the actor's current action on an item in the
// per-actor membership hash scoped by action domain.
func (c *Cache) SetMembership(ctx context.Context, actorID, itemID string, actionType store.ActionType) error {
	if err := c.client.HSet(ctx, membershipKey(actorID, actionType), itemID, string(actionType)).Err(); err != nil {
		return fmt.Errorf("set membership: %w", err)
	}
	return nil
}

// RemoveMembership drops the actor's membership entry for an item.
func (c *Cache) RemoveMembership(ctx context.Context, actorID, itemID string, actionType store.ActionType) error {
	if err := c.client.HDel(ctx, membershipKey(actorID, actionType), itemID).Err(); err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// Invalidate drops the downstream read caches for the given items and
// actors in one pipelined pass. List, feed and leaderboard caches are
// invalidated once per call, not once per item; that is the batcher's
// whole reason to exist.
func (c *Cache) Invalidate(ctx context.Context, itemIDs, actorIDs []string) error {
	if len(itemIDs) == 0 && len(actorIDs) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, id := range itemIDs {
		pipe.Del(ctx, itemPfx+id)
	}
	for _, id := range actorIDs {
		pipe.Del(ctx, dashboardPfx+id)
	}
	if len(itemIDs) > 0 {
		pipe.Del(ctx, feedRecentKey, feedTopKey, leaderboardKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	return nil
}
