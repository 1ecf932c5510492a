package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSub publishes run events to a Google Cloud Pub/Sub topic.
type PubSub struct {
	topic *pubsub.Topic
}

// NewPubSub creates a publisher for the given project and topic.
// Authentication uses Application Default Credentials.
func NewPubSub(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("project id and topic id are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSub{topic: client.Topic(topicID)}, nil
}

// NewPubSubWithTopic wraps an existing topic handle, used by tests running
// against the emulator.
func NewPubSubWithTopic(topic *pubsub.Topic) *PubSub {
	return &PubSub{topic: topic}
}

// PublishRunEvent implements Publisher.
func (p *PubSub) PublishRunEvent(ctx context.Context, event RunEvent) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal run event: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"catalog": event.Catalog,
			"status":  event.Status,
		},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish run event: %w", err)
	}
	return id, nil
}

// Close flushes pending messages.
func (p *PubSub) Close() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
