// Package app exposes the engine's query surface: intent status
// lookups for the fast path's optimistic-UI polling, counter reads, and
// health checks. All mutation flows through the message queue, never
// through HTTP.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"trailhead/api/internal/cache"
	"trailhead/api/internal/store"
)

// ItemReader is the slice of the authoritative store the query surface
// needs.
type ItemReader interface {
	GetItem(ctx context.Context, itemID string) (store.Item, error)
	Ping(ctx context.Context) error
}

// SearchHealth reports reachability of the search read view.
type SearchHealth interface {
	Healthy() bool
}

type Service struct {
	store  ItemReader
	cache  *cache.Cache
	search SearchHealth // nil when the read-view index is disabled
}

func NewService(st ItemReader, c *cache.Cache) *Service {
	return &Service{store: st, cache: c}
}

// WithSearchHealth registers the search index for readiness reporting.
func (s *Service) WithSearchHealth(h SearchHealth) *Service {
	s.search = h
	return s
}

// IntentStatus returns the processing status record for a request id.
// The second return is false if no record exists (expired or never
// seen).
func (s *Service) IntentStatus(ctx context.Context, requestID string) (cache.IntentStatus, bool, error) {
	return s.cache.GetStatus(ctx, requestID)
}

// ItemCounters reads an item's counters cache-first, falling back to
// the denormalized projection on the authoritative store. A fallback
// warms the cache best-effort.
func (s *Service) ItemCounters(ctx context.Context, itemID string) (store.ItemCounts, error) {
	counts, ok, err := s.cache.GetCounters(ctx, itemID)
	if err != nil {
		log.Printf("app: counters cache read %s: %v", itemID, err)
	}
	if ok {
		return counts, nil
	}

	item, err := s.store.GetItem(ctx, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ItemCounts{}, fmt.Errorf("item %s: %w", itemID, store.ErrItemNotFound)
	}
	if err != nil {
		return store.ItemCounts{}, fmt.Errorf("load item %s: %w", itemID, err)
	}

	counts = store.ItemCounts{
		Positive:  item.PositiveCount,
		Negative:  item.NegativeCount,
		Followers: item.FollowersCount,
	}
	if err := s.cache.SetCounters(ctx, itemID, counts); err != nil {
		log.Printf("app: warm counters cache %s: %v", itemID, err)
	}
	return counts, nil
}

// Ping checks the authoritative store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingCache checks the cache tier.
func (s *Service) PingCache(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// SearchHealthy reports the search index state. The second return is
// false when no index is configured.
func (s *Service) SearchHealthy() (healthy, enabled bool) {
	if s.search == nil {
		return false, false
	}
	return s.search.Healthy(), true
}
