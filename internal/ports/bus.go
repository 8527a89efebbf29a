package ports

import (
	"context"

	"trademirror/internal/domain"
)

// EventHandler processes one trade intent event. A non-nil error asks the bus
// to redeliver (at-least-once delivery).
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus carries trade intent events from the normalizer to the execution
// engine. Delivery is at-least-once in roughly submission order; consumers
// must tolerate redelivery.
type EventBus interface {
	// Publish enqueues an event. Returns ErrBusClosed after Close.
	Publish(ctx context.Context, event domain.Event) error
	// Subscribe registers the handler and starts delivery. Only one
	// subscriber is supported; a second call replaces the handler.
	Subscribe(handler EventHandler)
	// Close stops intake, drains in-flight deliveries and releases the bus.
	Close()
}
