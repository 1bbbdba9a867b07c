package webhooks

import (
	"log"
	"sync"

	"github.com/strandlabs/controlplane/internal/events"
)

// Bridge subscribes to the in-process event bus and forwards the webhook-able
// events to a dispatcher. Only terminal run states and billing reconciliation
// cross the boundary; per-transition chatter stays on the SSE stream.
type Bridge struct {
	bus     *events.Bus
	emitter Emitter
	ch      chan *events.CloudEvent
	done    chan struct{}
	once    sync.Once
	logger  *log.Logger
}

// NewBridge wires the bus to the dispatcher and starts forwarding.
func NewBridge(bus *events.Bus, emitter Emitter) *Bridge {
	b := &Bridge{
		bus:     bus,
		emitter: emitter,
		done:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[WebhookBridge] ", log.LstdFlags),
	}
	b.ch = bus.Subscribe(
		events.TypeRunCompleted,
		events.TypeRunFailed,
		events.TypeRunCancelled,
		events.TypeRunTimeout,
		events.TypeBillingReconciled,
	)
	go b.run()
	return b
}

func (b *Bridge) run() {
	defer close(b.done)
	for ev := range b.ch {
		if ev.OrgID == "" {
			b.logger.Printf("Dropping event %s without org id", ev.ID)
			continue
		}
		b.emitter.Emit(EventType(ev.Type), ev.OrgID, ev.Data)
	}
}

// Stop unsubscribes from the bus and waits for in-flight forwarding.
func (b *Bridge) Stop() {
	b.once.Do(func() {
		b.bus.Unsubscribe(b.ch)
		<-b.done
	})
}
