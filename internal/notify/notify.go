// Package notify publishes boundary events for notification delivery.
// The engine only announces engagements; rendering and delivering the
// notification belongs to a downstream consumer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"trailhead/api/internal/store"
)

// ItemEngagedEvent tells the notification pipeline that an item gained
// a new positive engagement.
type ItemEngagedEvent struct {
	OwnerID    string    `json:"owner_id"`
	ActorID    string    `json:"actor_id"`
	ItemID     string    `json:"item_id"`
	Action     string    `json:"action"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits notification events onto the message bus.
type Publisher struct {
	pub   message.Publisher
	topic string
}

func NewPublisher(pub message.Publisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

func (p *Publisher) NotifyItemEngaged(ctx context.Context, ownerID, actorID, itemID string, action store.ActionType) error {
	payload, err := json.Marshal(ItemEngagedEvent{
		OwnerID:    ownerID,
		ActorID:    actorID,
		ItemID:     itemID,
		Action:     string(action),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.pub.Publish(p.topic, message.NewMessage(uuid.NewString(), payload)); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
