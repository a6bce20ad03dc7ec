// Package queue wires the engine to its message transport: a durable
// NATS JetStream subscription for action intents and a publisher for
// boundary notification events. A GoChannel pub/sub stands in for NATS
// in tests.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"

	"trailhead/api/internal/cache"
	"trailhead/api/internal/engine"
)

type Config struct {
	URL        string
	QueueGroup string
	Workers    int
}

// NewNATSSubscriber creates a durable JetStream subscriber. Queue-group
// subscription load-balances intents across worker instances; distinct
// request ids carry no ordering guarantee.
func NewNATSSubscriber(cfg Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("nats disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("nats reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: workers,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
			AckAsync:      false,
			DurablePrefix: cfg.QueueGroup,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}
	return sub, nil
}

// NewNATSPublisher creates a JetStream publisher for boundary events.
func NewNATSPublisher(cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL: cfg.URL,
		NatsOptions: []natsgo.Option{
			natsgo.RetryOnFailedConnect(true),
			natsgo.MaxReconnects(-1),
			natsgo.ReconnectWait(time.Second),
		},
		Marshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}
	return pub, nil
}

// NewGoChannel returns an in-process pub/sub used by tests and local
// development without a broker.
func NewGoChannel(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}
	return gochannel.NewGoChannel(gochannel.Config{}, logger)
}

// NewIntentRouter builds a router that feeds intent messages into the
// processor. The handler always acks: the processor owns its retry
// budget and surfaces terminal failures on the status record, so a
// redelivery loop at the transport level would only duplicate work the
// idempotency check then discards.
func NewIntentRouter(sub message.Subscriber, topic string, processor *engine.Processor, logger watermill.LoggerAdapter) (*message.Router, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 30 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	router.AddNoPublisherHandler("intent_processor", topic, sub, func(msg *message.Message) error {
		var event engine.ActionIntentEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			logger.Error("drop undecodable intent", err, watermill.LogFields{"message_uuid": msg.UUID})
			return nil
		}
		status := processor.Process(msg.Context(), event)
		if status.Status == engine.StatusFailed {
			logger.Info("intent terminally failed", watermill.LogFields{
				"request_id": status.RequestID,
				"error":      status.Error,
			})
		}
		return nil
	})

	return router, nil
}

// PublishIntent encodes and publishes an intent event. Used by tests
// and by operational backfill tooling; the production fast path
// publishes the same shape from its own service.
func PublishIntent(pub message.Publisher, topic string, event engine.ActionIntentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	msg := message.NewMessage(event.RequestID, payload)
	if err := pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish intent: %w", err)
	}
	return nil
}

// WaitStatus polls the cache for a terminal status record. Test helper
// mirroring the fast path's polling contract.
func WaitStatus(ctx context.Context, c *cache.Cache, requestID string, timeout time.Duration) (cache.IntentStatus, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, ok, err := c.GetStatus(ctx, requestID)
		if err != nil {
			return cache.IntentStatus{}, err
		}
		if ok && status.Status != engine.StatusPending {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return cache.IntentStatus{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return cache.IntentStatus{}, fmt.Errorf("no terminal status for %s within %s", requestID, timeout)
}
