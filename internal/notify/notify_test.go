package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	"trailhead/api/internal/store"
)

type capturingPublisher struct {
	topic    string
	messages []*message.Message
	err      error
}

func (p *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func TestNotifyItemEngaged(t *testing.T) {
	pub := &capturingPublisher{}
	n := NewPublisher(pub, "notifications.item_engaged")

	err := n.NotifyItemEngaged(context.Background(), "owner-1", "actor-1", "item-1", store.ActionFollow)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if pub.topic != "notifications.item_engaged" {
		t.Fatalf("topic %q", pub.topic)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("messages: %d", len(pub.messages))
	}
	if pub.messages[0].UUID == "" {
		t.Fatal("message has no uuid")
	}

	var event ItemEngagedEvent
	if err := json.Unmarshal(pub.messages[0].Payload, &event); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if event.OwnerID != "owner-1" || event.ActorID != "actor-1" || event.ItemID != "item-1" {
		t.Fatalf("event: %+v", event)
	}
	if event.Action != "follow" {
		t.Fatalf("action %q", event.Action)
	}
	if event.OccurredAt.IsZero() {
		t.Fatal("occurred_at not set")
	}
}

func TestNotifyItemEngagedPublishError(t *testing.T) {
	pub := &capturingPublisher{err: errors.New("broker down")}
	n := NewPublisher(pub, "notifications.item_engaged")

	err := n.NotifyItemEngaged(context.Background(), "owner-1", "actor-1", "item-1", store.ActionUp)
	if err == nil {
		t.Fatal("expected error")
	}
}
