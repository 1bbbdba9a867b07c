package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
)

// Dispatcher delivers webhook events from an in-process queue through a
// worker pool. Transport errors and 5xx responses retry with exponential
// backoff inside the worker; 4xx responses count as a subscriber failure
// without retry.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	source     string

	// newBackoff builds the per-delivery retry policy; tests shrink it.
	newBackoff func() backoff.BackOff
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	payload    []byte
}

// retryableError marks a delivery outcome worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }

// NewDispatcher starts a dispatcher with the given worker count.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[Dispatch] ", log.LstdFlags),
		source:     "/controlplane",
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = time.Second
			bo.MaxElapsedTime = 30 * time.Second
			return backoff.WithMaxRetries(bo, 2)
		},
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues one delivery per matching subscriber in the event's org.
func (d *Dispatcher) Emit(eventType EventType, orgID string, data map[string]interface{}) {
	subscribers := d.registry.Subscribers(eventType, orgID)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        "evt-" + ulid.Make().String(),
		Type:      eventType,
		Source:    d.source,
		Timestamp: time.Now(),
		OrgID:     orgID,
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Printf("Failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, payload: payload}:
		default:
			d.logger.Printf("Queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	attempt := 0
	operation := func() error {
		attempt++
		return d.attemptOnce(job, attempt)
	}

	err := backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if _, retryable := err.(*retryableError); retryable {
			return err
		}
		return backoff.Permanent(err)
	}, d.newBackoff())

	if err != nil {
		d.logger.Printf("Webhook delivery failed after %d attempts: %s -> %v",
			attempt, job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)
		return
	}
	d.registry.MarkDelivered(job.subscriber.ID)
}

// attemptOnce makes a single POST. A retryableError return means the worker
// should back off and try again.
func (d *Dispatcher) attemptOnce(job *deliveryJob, attempt int) error {
	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(job.payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event-Type", string(job.event.Type))
	req.Header.Set("X-Webhook-Event-ID", job.event.ID)
	req.Header.Set("X-Webhook-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(job.payload, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &retryableError{fmt.Errorf("post %s: %w", job.subscriber.URL, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &retryableError{fmt.Errorf("endpoint returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

var _ Emitter = (*Dispatcher)(nil)
