package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"trailhead/api/internal/cache"
	"trailhead/api/internal/metrics"
	"trailhead/api/internal/store"
)

// SyncStore is the slice of the authoritative store the aggregate sync
// needs.
type SyncStore interface {
	CountActions(ctx context.Context, itemID string) (store.ItemCounts, error)
	WriteItemCounters(ctx context.Context, itemID string, c store.ItemCounts) error
	ListItems(ctx context.Context, itemIDs []string) ([]store.Item, error)
}

// Indexer refreshes the search read view for items whose counters
// changed. Nil disables it.
type Indexer interface {
	IndexItems(ctx context.Context, items []store.Item)
}

// SyncResult reports one sync cycle.
type SyncResult struct {
	Synced int
	Failed int
}

// Syncer drains the dirty set on a short interval: for each dirty item
// it recomputes true counts from the authoritative store, writes them
// to the denormalized projection, and mirrors them into the cache.
// The cache's own counters are never an input, only a destination, so
// a cycle overlapping live writes produces a self-consistent snapshot
// that the next cycle corrects.
type Syncer struct {
	store      SyncStore
	cache      *cache.Cache
	batcher    *Batcher
	indexer    Indexer
	interval   time.Duration
	batchLimit int
}

func NewSyncer(st SyncStore, c *cache.Cache, batcher *Batcher, indexer Indexer, interval time.Duration, batchLimit int) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchLimit <= 0 {
		batchLimit = 500
	}
	return &Syncer{
		store:      st,
		cache:      c,
		batcher:    batcher,
		indexer:    indexer,
		interval:   interval,
		batchLimit: batchLimit,
	}
}

// Run loops Sync on the configured interval until the context ends.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.Sync(ctx)
			if err != nil {
				log.Printf("sync: cycle failed: %v", err)
				continue
			}
			if result.Synced > 0 || result.Failed > 0 {
				log.Printf("sync: cycle done: synced=%d failed=%d", result.Synced, result.Failed)
			}
		}
	}
}

// Sync runs one cycle over a snapshot of the dirty set. Items that fail
// stay in the dirty set for the next cycle; only successes are cleared.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	snapshot, err := s.cache.DirtySnapshot(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	metrics.DirtySetSize.Set(float64(len(snapshot)))
	if len(snapshot) == 0 {
		return SyncResult{}, nil
	}
	metrics.SyncCycles.Inc()

	// Bounded batch: the remainder stays dirty for the next cycle.
	if len(snapshot) > s.batchLimit {
		snapshot = snapshot[:s.batchLimit]
	}

	var result SyncResult
	synced := make([]string, 0, len(snapshot))
	for _, itemID := range snapshot {
		if err := s.syncItem(ctx, itemID); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			log.Printf("sync: item %s: %v", itemID, err)
			result.Failed++
			metrics.SyncItems.WithLabelValues("failed").Inc()
			continue
		}
		synced = append(synced, itemID)
		result.Synced++
		metrics.SyncItems.WithLabelValues("synced").Inc()
	}

	if len(synced) == 0 {
		return result, nil
	}

	if err := s.cache.ClearDirty(ctx, synced...); err != nil {
		// Items stay marked; the next cycle re-syncs them. Harmless,
		// a recompute is idempotent.
		log.Printf("sync: clear dirty: %v", err)
	}

	if s.batcher != nil {
		s.batcher.Enqueue(synced, nil)
	}
	s.reindex(ctx, synced)

	return result, nil
}

func (s *Syncer) syncItem(ctx context.Context, itemID string) error {
	counts, err := s.store.CountActions(ctx, itemID)
	if err != nil {
		return err
	}
	if err := s.store.WriteItemCounters(ctx, itemID, counts); err != nil {
		// A deleted item has nothing to sync; clearing it from the
		// dirty set is the correct outcome.
		if errors.Is(err, store.ErrItemNotFound) {
			return nil
		}
		return err
	}
	return s.cache.SetCounters(ctx, itemID, counts)
}

func (s *Syncer) reindex(ctx context.Context, itemIDs []string) {
	if s.indexer == nil {
		return
	}
	items, err := s.store.ListItems(ctx, itemIDs)
	if err != nil {
		log.Printf("sync: list items for reindex: %v", err)
		return
	}
	s.indexer.IndexItems(ctx, items)
}
