package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and additionally exports every event to
// a Google Cloud Pub/Sub topic for durable, cross-service delivery. Ordering
// is per org: the org id is the Pub/Sub ordering key, so one tenant's events
// arrive in emit order without serializing the whole platform.
type PubSubBus struct {
	*Bus // SSE subscribers and Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects the exporting bus, creating the topic if needed.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
	}
	bus.logger.Printf("Connected to topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject, orgID string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, orgID, data)
	pb.export(event)
	pb.Bus.Publish(event)
}

// PublishRaw exports and fans out a pre-built event, e.g. a replay.
func (pb *PubSubBus) PublishRaw(event *CloudEvent) {
	pb.export(event)
	pb.Bus.Publish(event)
}

// export serializes the event onto the topic. Attributes mirror the envelope
// so consumers can filter server-side without decoding payloads.
func (pb *PubSubBus) export(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("Failed to marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-orgid":       event.OrgID,
		},
		OrderingKey: event.OrgID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Resolve off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("Pub/Sub publish failed for event %s: %v", event.ID, err)
		}
	}()
}

// Close stops the topic publisher and the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
