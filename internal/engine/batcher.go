package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"trailhead/api/internal/metrics"
)

// Invalidator is the downstream read-cache layer the batcher flushes
// into.
type Invalidator interface {
	Invalidate(ctx context.Context, itemIDs, actorIDs []string) error
}

// Batcher coalesces invalidation targets from multiple sync cycles
// into one downstream pass. A flush fires when the debounce window
// elapses or the pending set reaches the size threshold, whichever
// comes first. Targets are de-duplicated, so enqueueing the same item
// fifty times inside one window invalidates it once.
type Batcher struct {
	invalidator Invalidator
	window      time.Duration
	threshold   int

	mu     sync.Mutex
	items  map[string]struct{}
	actors map[string]struct{}
	timer  *time.Timer
	closed bool
}

func NewBatcher(invalidator Invalidator, window time.Duration, threshold int) *Batcher {
	if window <= 0 {
		window = 2 * time.Second
	}
	if threshold <= 0 {
		threshold = 200
	}
	return &Batcher{
		invalidator: invalidator,
		window:      window,
		threshold:   threshold,
		items:       make(map[string]struct{}),
		actors:      make(map[string]struct{}),
	}
}

// Enqueue adds invalidation targets to the pending batch.
func (b *Batcher) Enqueue(itemIDs, actorIDs []string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, id := range itemIDs {
		b.items[id] = struct{}{}
	}
	for _, id := range actorIDs {
		b.actors[id] = struct{}{}
	}
	pending := len(b.items) + len(b.actors)

	if pending >= b.threshold {
		items, actors := b.takeLocked()
		b.mu.Unlock()
		b.flush(items, actors)
		return
	}
	if pending > 0 && b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flushTimer)
	}
	b.mu.Unlock()
}

// Close flushes whatever is pending and stops the timer. The batcher
// accepts no further targets.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	items, actors := b.takeLocked()
	b.mu.Unlock()
	b.flush(items, actors)
}

func (b *Batcher) flushTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	items, actors := b.takeLocked()
	b.mu.Unlock()
	b.flush(items, actors)
}

// takeLocked swaps out the pending sets and stops the timer. Caller
// holds b.mu.
func (b *Batcher) takeLocked() ([]string, []string) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	items := make([]string, 0, len(b.items))
	for id := range b.items {
		items = append(items, id)
	}
	actors := make([]string, 0, len(b.actors))
	for id := range b.actors {
		actors = append(actors, id)
	}
	b.items = make(map[string]struct{})
	b.actors = make(map[string]struct{})
	return items, actors
}

func (b *Batcher) flush(items, actors []string) {
	if len(items) == 0 && len(actors) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.invalidator.Invalidate(ctx, items, actors); err != nil {
		// Stale read caches age out by TTL; a failed flush is not
		// re-queued.
		log.Printf("batcher: invalidate %d items %d actors: %v", len(items), len(actors), err)
		return
	}
	metrics.BatcherFlushes.Inc()
	metrics.InvalidatedTargets.Add(float64(len(items) + len(actors)))
}
