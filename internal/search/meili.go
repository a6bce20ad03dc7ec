// Package search maintains the Meilisearch read view of items that the
// list/feed endpoints serve. The index is a projection: it is refreshed
// after each aggregate sync cycle and rebuilt after the nightly sweep,
// and carries the counters the sync last recomputed.
package search

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"trailhead/api/internal/store"
)

const idxItems = "trailhead_items"

// ItemDocument is the indexed shape of an item.
type ItemDocument struct {
	ID             string  `json:"id"`
	OwnerID        string  `json:"ownerId"`
	Kind           string  `json:"kind"`
	Title          string  `json:"title"`
	PositiveCount  int     `json:"positiveCount"`
	NegativeCount  int     `json:"negativeCount"`
	FollowersCount int     `json:"followersCount"`
	TrailScore     float64 `json:"trailScore"`
}

// Meili keeps the item read view in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates the client and configures the item index. The index
// stays disabled (unhealthy) until Meilisearch responds; the health
// loop reconfigures it on recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxItems,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxItems, err)
	}

	index := m.client.Index(idxItems)
	filterable := []interface{}{"kind", "ownerId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"title"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
	sortable := []string{"trailScore", "positiveCount", "followersCount"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexItems upserts the given items into the read view. Fire-and-log:
// the index is a projection, so a failed refresh only leaves it stale
// until the next sync cycle or sweep.
func (m *Meili) IndexItems(ctx context.Context, items []store.Item) {
	if len(items) == 0 || !m.healthy.Load() {
		return
	}

	docs := make([]ItemDocument, 0, len(items))
	for _, item := range items {
		docs = append(docs, ItemDocument{
			ID:             item.ID,
			OwnerID:        item.OwnerID,
			Kind:           item.Kind,
			Title:          item.Title,
			PositiveCount:  item.PositiveCount,
			NegativeCount:  item.NegativeCount,
			FollowersCount: item.FollowersCount,
			TrailScore:     item.TrailScore,
		})
	}

	if _, err := m.client.Index(idxItems).AddDocuments(docs, nil); err != nil {
		m.healthy.Store(false)
		log.Printf("search: index %d items: %v", len(docs), err)
	}
}
