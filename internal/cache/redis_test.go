package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"trailhead/api/internal/store"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := New("redis://"+s.Addr(), time.Hour, time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c, s
}

func TestMarkDirtyAndSnapshot(t *testing.T) {
	c, _ := setupTestCache(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.MarkDirty(ctx, "item-1", "item-2", "item-1"); err != nil {
		t.Fatalf("MarkDirty failed: %v", err)
	}

	snapshot, err := c.DirtySnapshot(ctx)
	if err != nil {
		t.Fatalf("DirtySnapshot failed: %v", err)
	}
	if len(snapshot) != 2 {
		t.Errorf("expected 2 dirty items, got %d", len(snapshot))
	}
}

func TestMarkDirtyLargeBatch(t *testing.T) {
	c, _ := setupTestCache(t)
	defer c.Close()
	ctx := context.Background()

	ids := make([]string, 0, 250)
	for i := 0; i < 250; i++ {
		ids = append(ids, "item-"+strconv.Itoa(i))
	}

	if err := c.MarkDirty(ctx, ids...); err != nil {
		t.Fatalf("MarkDirty failed: %v", err)
	}
	snapshot, err := c.DirtySnapshot(ctx)
	if err != nil {
		t.Fatalf("DirtySnapshot failed: %v", err)
	}
	if len(snapshot) != 250 {
		t.Errorf("expected 250 dirty items, got %d", len(snapshot))
	}
}

func TestClearDirtySubset(t *testing.T) {
	c, _ := setupTestCache(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.MarkDirty(ctx, "item-1", "item-2", "item-3"); err != nil {
		t.Fatalf("MarkDirty failed: %v", err)
	}
	if err := c.ClearDirty(ctx, "item-1", "item-3"); err != nil {
		t.Fatalf("ClearDirty failed: %v", err)
	}

	snapshot, err := c.DirtySnapshot(ctx)
	if err != nil {
		t.Fatalf("DirtySnapshot failed: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0] != "item-2" {
		t.Errorf("expected only item-2 dirty, got %v", snapshot)
	}
}

func TestCountersRoundtripAndTTL(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	ctx := context.Background()

	counts := store.ItemCounts{Positive: 7, Negative: 2, Followers: 3}
	if err := c.SetCounters(ctx, "item-1", counts); err != nil {
		t.Fatalf("SetCounters failed: %v", err)
	}

	got, ok, err := c.GetCounters(ctx, "item-1")
	if err != nil {
		t.Fatalf("GetCounters failed: %v", err)
	}
	if !ok {
		t.Fatal("expected counters hit")
	}
	if got != counts {
		t.Errorf("expected %+v, got %+v", counts, got)
	}

	// Counters expire with the configured TTL.
	s.FastForward(2 * time.Hour)
	_, ok, err = c.GetCounters(ctx, "item-1")
	if err != nil {
		t.Fatalf("GetCounters after expiry failed: %v", err)
	}
	if ok {
		t.Error("expected counters to have expired")
	}
}

func TestGetCountersMiss(t *testing.T) {
	c, _ := setupTestCache(t)
	defer c.Close()

	_, ok, err := c.GetCounters(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetCounters failed: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown item")
	}
}

func TestStatusRoundtripAndExpiry(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	ctx := context.Background()

	status := IntentStatus{RequestID: "req-1", Status: "completed", Reconciled: true}
	if err := c.SetStatus(ctx, status); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, ok, err := c.GetStatus(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !ok {
		t.Fatal("expected status hit")
	}
	if got.Status != "completed" || !got.Reconciled {
		t.Errorf("unexpected status record: %+v", got)
	}

	s.FastForward(2 * time.Minute)
	_, ok, err = c.GetStatus(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetStatus after expiry failed: %v", err)
	}
	if ok {
		t.Error("expected status to have expired")
	}
}

func TestMembershipScopedByDomain(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	ctx := context.Background()

	if err := c.SetMembership(ctx, "actor-1", "item-1", store.ActionUp); err != nil {
		t.Fatalf("SetMembership failed: %v", err)
	}
	if err := c.SetMembership(ctx, "actor-1", "item-2", store.ActionFollow); err != nil {
		t.Fatalf("SetMembership failed: %v", err)
	}

	if got := s.HGet("votes:actor-1", "item-1"); got != "up" {
		t.Errorf("expected vote membership, got %q", got)
	}
	if got := s.HGet("follows:actor-1", "item-2"); got != "follow" {
		t.Errorf("expected follow membership, got %q", got)
	}

	if err := c.RemoveMembership(ctx, "actor-1", "item-1", store.ActionUp); err != nil {
		t.Fatalf("RemoveMembership failed: %v", err)
	}
	if got := s.HGet("votes:actor-1", "item-1"); got != "" {
		t.Errorf("expected vote membership removed, got %q", got)
	}
}

func TestInvalidateDropsReadCaches(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	ctx := context.Background()

	s.Set("item:item-1", "cached")
	s.Set("item:item-2", "cached")
	s.Set("dashboard:actor-1", "cached")
	s.Set("feed:recent", "cached")
	s.Set("feed:top", "cached")
	s.Set("leaderboard:global", "cached")

	if err := c.Invalidate(ctx, []string{"item-1"}, []string{"actor-1"}); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	for _, key := range []string{"item:item-1", "dashboard:actor-1", "feed:recent", "feed:top", "leaderboard:global"} {
		if s.Exists(key) {
			t.Errorf("expected %s invalidated", key)
		}
	}
	if !s.Exists("item:item-2") {
		t.Error("expected untouched item to survive")
	}
}

func TestInvalidateEmptyIsNoop(t *testing.T) {
	c, _ := setupTestCache(t)
	defer c.Close()

	if err := c.Invalidate(context.Background(), nil, nil); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
}
