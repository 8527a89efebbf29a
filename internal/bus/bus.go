// Package bus provides the in-process event channel between the normalizer
// and the execution engine. Delivery is ordered and at-least-once: a handler
// error requeues the event at the front of the delivery loop, up to a bounded
// number of redeliveries, so the interception thread never blocks on
// execution latency.
package bus

import (
	"context"
	"fmt"
	"sync"

	"trademirror/internal/domain"
	"trademirror/internal/ports"
)

// Config holds configuration for the in-memory bus.
type Config struct {
	BufferSize      int // Queue capacity; Publish blocks when full
	MaxRedeliveries int // Redeliveries per event before it is dropped and logged
	Logger          ports.Logger
}

// Bus is an ordered, at-least-once, single-subscriber event queue.
type Bus struct {
	events chan delivery
	logger ports.Logger
	maxRd  int

	// intake is read-held for the duration of every send, so Close cannot
	// close the channel under a publisher's feet.
	intake sync.RWMutex
	closed bool

	mu      sync.Mutex
	handler ports.EventHandler

	dispatchOnce sync.Once
	done         chan struct{}
}

type delivery struct {
	event    domain.Event
	attempts int
}

// New creates the bus. Delivery starts when Subscribe is called.
func New(cfg Config) (*Bus, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for event bus")
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	maxRd := cfg.MaxRedeliveries
	if maxRd <= 0 {
		maxRd = 3
	}
	return &Bus{
		events: make(chan delivery, size),
		logger: cfg.Logger,
		maxRd:  maxRd,
		done:   make(chan struct{}),
	}, nil
}

// Publish enqueues an event in submission order.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	b.intake.RLock()
	defer b.intake.RUnlock()
	if b.closed {
		return ports.ErrBusClosed
	}

	select {
	case b.events <- delivery{event: event}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish aborted: %w", ctx.Err())
	}
}

// Subscribe registers the handler and starts the dispatch loop.
func (b *Bus) Subscribe(handler ports.EventHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	b.dispatchOnce.Do(func() { go b.dispatch() })
}

// Close stops intake, waits for in-flight publishes, and drains the queue.
func (b *Bus) Close() {
	b.intake.Lock()
	if b.closed {
		b.intake.Unlock()
		return
	}
	b.closed = true
	b.intake.Unlock()
	close(b.events)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	ctx := context.Background()
	for d := range b.events {
		b.deliver(ctx, d)
	}
}

// deliver invokes the handler, retrying in place so ordering is preserved:
// later events are not handed out while an earlier one is being redelivered.
func (b *Bus) deliver(ctx context.Context, d delivery) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		b.logger.Warn(ctx, "Event discarded, no subscriber registered", map[string]interface{}{"kind": d.event.Kind()})
		return
	}

	for {
		err := handler(ctx, d.event)
		if err == nil {
			return
		}
		d.attempts++
		if d.attempts > b.maxRd {
			b.logger.Error(ctx, err, "Event dropped after redelivery limit", map[string]interface{}{
				"kind":     d.event.Kind(),
				"key":      d.event.Key(),
				"attempts": d.attempts,
			})
			return
		}
		b.logger.Warn(ctx, "Handler failed, redelivering event", map[string]interface{}{
			"kind":    d.event.Kind(),
			"key":     d.event.Key(),
			"attempt": d.attempts,
		})
	}
}
