// Package queue abstracts the durable work-queue transport between pipeline
// stages. The transport delivers at-least-once: a received message stays
// invisible to other consumers for its lease (visibility timeout) and must be
// explicitly deleted on success, extended while still working, or abandoned
// so it redelivers quickly.
package queue

import (
	"context"
	"time"
)

// Message is one leased delivery from the transport.
type Message struct {
	// ID is the transport-assigned message identifier, stable across
	// redeliveries.
	ID string

	// ReceiptHandle is the opaque credential for this specific delivery.
	// Delete, Extend, and Abandon all require it.
	ReceiptHandle string

	// DequeueCount is incremented by the transport on each delivery.
	DequeueCount int

	// Body is the raw payload.
	Body []byte

	// EnqueuedAt is when the transport first accepted the message.
	EnqueuedAt time.Time
}

// Consumer leases messages from a queue.
type Consumer interface {
	// Receive leases up to max messages, each invisible to other consumers
	// for visibilitySeconds. An empty slice with a nil error means the queue
	// was observed empty.
	Receive(ctx context.Context, max int, visibilitySeconds int32) ([]Message, error)

	// Delete acknowledges a message. It must only be called after the
	// message's output (if any) is durably persisted.
	Delete(ctx context.Context, msg Message) error

	// Extend pushes the message's visibility deadline out by the given
	// number of seconds from now.
	Extend(ctx context.Context, msg Message, seconds int32) error

	// Abandon makes the message immediately visible again so another
	// consumer (or this one, next poll) can retry it. Preferable to letting
	// the lease lapse, which delays redelivery by the full lease duration.
	Abandon(ctx context.Context, msg Message) error

	// Depth returns an approximate count of visible messages. Advisory only;
	// used for health reporting, never for completion decisions.
	Depth(ctx context.Context) (int, error)
}

// Publisher sends messages to a queue.
type Publisher interface {
	Send(ctx context.Context, body []byte) error
}
