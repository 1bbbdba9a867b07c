package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayRecorder struct {
	mu     sync.Mutex
	frames []string
	docs   []string
	notify chan struct{}
}

func newRelayRecorder() *relayRecorder {
	return &relayRecorder{notify: make(chan struct{}, 16)}
}

func (r *relayRecorder) record(docID string, payload []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(payload))
	r.docs = append(r.docs, docID)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *relayRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no relay delivery")
	}
}

func (r *relayRecorder) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...), append([]string(nil), r.docs...)
}

func relayPair(t *testing.T) (*Relay, *Relay, *relayRecorder, *relayRecorder) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	newClient := func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return rdb
	}

	recA, recB := newRelayRecorder(), newRelayRecorder()
	a, err := NewRelay(newClient(), "pod-a", recA.record)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	b, err := NewRelay(newClient(), "pod-b", recB.record)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return a, b, recA, recB
}

func TestRelayDeliversAcrossPods(t *testing.T) {
	a, b, recA, recB := relayPair(t)
	ctx := context.Background()

	require.NoError(t, a.EnsureDocument(ctx, "doc-1"))
	require.NoError(t, b.EnsureDocument(ctx, "doc-1"))

	require.NoError(t, a.Publish(ctx, "doc-1", []byte(`{"type":"operation"}`)))
	recB.wait(t)

	frames, docs := recB.snapshot()
	assert.Equal(t, []string{`{"type":"operation"}`}, frames)
	assert.Equal(t, []string{"doc-1"}, docs)

	// The publisher never hears its own frame back.
	select {
	case <-recA.notify:
		t.Fatal("publisher received its own frame")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayGlobalChannel(t *testing.T) {
	a, _, _, recB := relayPair(t)
	ctx := context.Background()

	require.NoError(t, a.PublishGlobal(ctx, []byte(`{"type":"announce"}`)))
	recB.wait(t)

	frames, docs := recB.snapshot()
	assert.Equal(t, []string{`{"type":"announce"}`}, frames)
	assert.Equal(t, []string{""}, docs)
}

func TestRelayIgnoresUnsubscribedDocuments(t *testing.T) {
	a, _, _, recB := relayPair(t)
	ctx := context.Background()

	require.NoError(t, a.EnsureDocument(ctx, "doc-1"))
	// pod-b never subscribed to doc-1, so the frame passes it by.
	require.NoError(t, a.Publish(ctx, "doc-1", []byte(`{"x":1}`)))

	select {
	case <-recB.notify:
		t.Fatal("unexpected delivery")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnsureDocumentRetriesAfterSubscribeFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdbA.Close() })
	rec := newRelayRecorder()
	r, err := NewRelay(rdbA, "pod-a", rec.record)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	ctx := context.Background()

	// Broker down: the subscribe fails and the document must not be
	// remembered as covered.
	mr.Close()
	require.Error(t, r.EnsureDocument(ctx, "doc-1"))

	require.NoError(t, mr.Restart())
	require.NoError(t, r.EnsureDocument(ctx, "doc-1"), "next caller retries the subscription")

	// The retried subscription actually receives document frames.
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdbB.Close() })
	pub, err := NewRelay(rdbB, "pod-b", nil)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	require.NoError(t, pub.Publish(ctx, "doc-1", []byte(`{"type":"operation"}`)))
	rec.wait(t)
	frames, docs := rec.snapshot()
	assert.Equal(t, []string{`{"type":"operation"}`}, frames)
	assert.Equal(t, []string{"doc-1"}, docs)
}

func TestRelayDeduplicatesByMessageID(t *testing.T) {
	r := &Relay{
		pod:  "pod-a",
		seen: make(map[string]struct{}),
	}
	assert.True(t, r.markSeen("m1"))
	assert.False(t, r.markSeen("m1"))

	// The ring evicts oldest ids once full.
	for i := 0; i < seenCapacity; i++ {
		r.markSeen(string(rune(i)) + "-fill")
	}
	assert.True(t, r.markSeen("m1"), "m1 evicted from the ring and accepted again")
}
