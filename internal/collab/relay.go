package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	globalChannel    = "collab:sync:global"
	docChannelPrefix = "collab:sync:"

	// seenCapacity bounds the de-dup ring of recently relayed message ids.
	seenCapacity = 1024
)

// Envelope wraps a relayed frame so receivers can de-duplicate and skip
// their own publications.
type Envelope struct {
	MessageID  string          `json:"message_id"`
	SourcePod  string          `json:"source_pod"`
	DocumentID string          `json:"document_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Relay carries gateway broadcasts across nodes over Redis pub/sub. Every
// node subscribes to the global channel plus one channel per open document;
// outbound broadcasts publish on the document channel.
type Relay struct {
	rdb    *redis.Client
	pod    string
	pubsub *redis.PubSub
	logger *log.Logger

	onMessage func(docID string, payload []byte)

	mu       sync.Mutex
	seen     map[string]struct{}
	seenRing []string
	docs     map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay connects the relay and starts its receive loop. onMessage runs
// for every frame published by another pod.
func NewRelay(rdb *redis.Client, pod string, onMessage func(docID string, payload []byte)) (*Relay, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pubsub := rdb.Subscribe(ctx, globalChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("relay subscribe: %w", err)
	}

	r := &Relay{
		rdb:       rdb,
		pod:       pod,
		pubsub:    pubsub,
		logger:    log.New(log.Writer(), fmt.Sprintf("[Relay:%s] ", pod), log.LstdFlags),
		onMessage: onMessage,
		seen:      make(map[string]struct{}),
		docs:      make(map[string]struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go r.receiveLoop()
	return r, nil
}

// EnsureDocument subscribes the relay to a document's sync channel. The doc
// is recorded only once the subscription holds, so a failed attempt is
// retried by the next caller instead of silently swallowed.
func (r *Relay) EnsureDocument(ctx context.Context, docID string) error {
	r.mu.Lock()
	if _, ok := r.docs[docID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := r.pubsub.Subscribe(ctx, docChannelPrefix+docID); err != nil {
		return fmt.Errorf("subscribe %s: %w", docID, err)
	}

	r.mu.Lock()
	r.docs[docID] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Publish sends a frame to the document's channel for other pods. The
// envelope id is recorded locally so an echo never re-delivers.
func (r *Relay) Publish(ctx context.Context, docID string, payload []byte) error {
	env := Envelope{
		MessageID:  ulid.Make().String(),
		SourcePod:  r.pod,
		DocumentID: docID,
		Payload:    payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	r.markSeen(env.MessageID)
	if err := r.rdb.Publish(ctx, docChannelPrefix+docID, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", docID, err)
	}
	return nil
}

// PublishGlobal sends a document-independent frame to every pod.
func (r *Relay) PublishGlobal(ctx context.Context, payload []byte) error {
	env := Envelope{
		MessageID: ulid.Make().String(),
		SourcePod: r.pod,
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	r.markSeen(env.MessageID)
	if err := r.rdb.Publish(ctx, globalChannel, data).Err(); err != nil {
		return fmt.Errorf("publish global: %w", err)
	}
	return nil
}

func (r *Relay) receiveLoop() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		r.handle([]byte(msg.Payload))
	}
}

func (r *Relay) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Printf("Dropping malformed envelope: %v", err)
		return
	}
	if env.SourcePod == r.pod {
		return
	}
	if !r.markSeen(env.MessageID) {
		return
	}
	if r.onMessage != nil {
		r.onMessage(env.DocumentID, env.Payload)
	}
}

// markSeen records a message id. False means it was already present.
func (r *Relay) markSeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	r.seenRing = append(r.seenRing, id)
	if len(r.seenRing) > seenCapacity {
		oldest := r.seenRing[0]
		r.seenRing = r.seenRing[1:]
		delete(r.seen, oldest)
	}
	return true
}

// Close stops the receive loop and the subscription.
func (r *Relay) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	<-r.done
	return err
}
