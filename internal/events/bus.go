// Package events provides the in-process tick bus.
package events

import (
	"log"
	"sync"

	"intraday-core/pkg/kite"
)

// Handler receives one batch of ticks. Handlers run synchronously on the
// publishing goroutine, in registration order.
type Handler func(batch []kite.Tick)

// Bus broadcasts tick batches to registered handlers. Publish snapshots
// the subscriber list under a short-held lock and never holds it while a
// handler runs, so Subscribe is safe during an in-flight publish.
type Bus struct {
	mu   sync.Mutex
	subs []Handler
}

// NewBus creates an empty tick bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all future batches.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish delivers the batch to every registered handler. A panicking
// handler is recovered and logged; it never blocks delivery to the
// handlers after it or to future batches.
func (b *Bus) Publish(batch []kite.Tick) {
	b.mu.Lock()
	subs := make([]Handler, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, h := range subs {
		deliver(h, batch)
	}
}

func deliver(h Handler, batch []kite.Tick) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("tick subscriber panicked: %v", r)
		}
	}()
	h(batch)
}
