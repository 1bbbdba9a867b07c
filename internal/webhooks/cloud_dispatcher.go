package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/oklog/ulid/v2"
)

// CloudDispatcher delivers webhooks through Google Cloud Tasks for durable,
// at-least-once delivery. The queue handles retry backoff, dead-lettering,
// and per-queue rate limits; this process only enqueues the HTTP task. When
// the enqueue fails and a fallback Dispatcher is configured, delivery drops
// back to the in-memory path.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the Cloud Tasks queue identified by
// projectID/locationID/queueID. fallbackWorkers > 0 also starts an in-memory
// Dispatcher used when enqueues fail.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[CloudTasks] ", log.LstdFlags),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	cd.logger.Printf("Connected to queue %s", cd.queuePath)
	return cd, nil
}

// Emit creates one Cloud Task per matching subscriber in the event's org.
func (cd *CloudDispatcher) Emit(eventType EventType, orgID string, data map[string]interface{}) {
	subscribers := cd.registry.Subscribers(eventType, orgID)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        "evt-" + ulid.Make().String(),
		Type:      eventType,
		Source:    "/controlplane",
		Timestamp: time.Now(),
		OrgID:     orgID,
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("Failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		cd.enqueueTask(sub, event, payload)
	}
}

func (cd *CloudDispatcher) enqueueTask(sub *Subscription, event *Event, payload []byte) {
	headers := map[string]string{
		"Content-Type":               "application/json",
		"X-Webhook-Event-Type":       string(event.Type),
		"X-Webhook-Event-ID":         event.ID,
		"X-Webhook-Delivery-Attempt": "1",
	}
	if sub.Secret != "" {
		headers["X-Webhook-Signature"] = "sha256=" + SignPayload(payload, sub.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("Enqueue failed: %s -> %s: %v", event.ID, sub.URL, err)
			if cd.fallback != nil {
				cd.fallback.Emit(event.Type, event.OrgID, event.Data)
			}
			return
		}
		cd.logger.Printf("Enqueued %s -> %s (task=%s)", event.ID, sub.URL, task.GetName())
	}()
}

// Shutdown stops the fallback dispatcher and the Cloud Tasks client.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("Client close error: %v", err)
	}
}

// Stats reports basic dispatcher telemetry for the admin surface.
func (cd *CloudDispatcher) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":      "gcp-cloud-tasks",
		"queue":        cd.queuePath,
		"subscribers":  len(cd.registry.ListAll()),
		"has_fallback": cd.fallback != nil,
	}
}

var _ Emitter = (*CloudDispatcher)(nil)
