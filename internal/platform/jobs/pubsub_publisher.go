package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/rasoibox/api/internal/platform/textutil"
	"github.com/rasoibox/api/internal/services"
)

// Pub/Sub rejects attribute keys over 256 bytes and values over 1024 bytes.
const (
	maxAttributeKey   = 256
	maxAttributeValue = 1024
)

// PubSubPublisher relays outbox messages to one Pub/Sub topic per outbox topic.
type PubSubPublisher struct {
	topics map[string]*pubsub.Topic
}

// NewPubSubPublisher maps outbox topics (domain.OutboxTopicReceipt, ...) to Pub/Sub topics.
func NewPubSubPublisher(topics map[string]*pubsub.Topic) (*PubSubPublisher, error) {
	if len(topics) == 0 {
		return nil, errors.New("pubsub publisher: at least one topic is required")
	}
	for name, topic := range topics {
		if topic == nil {
			return nil, fmt.Errorf("pubsub publisher: topic %q is nil", name)
		}
	}
	return &PubSubPublisher{topics: topics}, nil
}

// PublishOutbox publishes msg and waits for the server to assign an ID. The outbox message ID is
// carried as the "outboxId" attribute so consumers can drop redeliveries.
func (p *PubSubPublisher) PublishOutbox(ctx context.Context, msg services.OutboxMessage) (string, error) {
	if p == nil {
		return "", errors.New("pubsub publisher: not initialised")
	}
	topic, ok := p.topics[msg.Topic]
	if !ok {
		return "", fmt.Errorf("pubsub publisher: no topic configured for %q", msg.Topic)
	}

	attrs := make(map[string]string, len(msg.Attributes)+3)
	for key, value := range msg.Attributes {
		attrs[key] = value
	}
	attrs["outboxId"] = msg.ID
	attrs["topic"] = msg.Topic
	attrs["key"] = msg.Key

	result := topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Payload,
		Attributes: textutil.CompactStringMap(attrs, maxAttributeKey, maxAttributeValue),
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s message %s: %w", msg.Topic, msg.ID, err)
	}
	return id, nil
}
