// Package bus defines the delivery contract shared by the message bus drivers.
package bus

import (
	"context"
	"time"
)

// ContentTypeProtobuf marks messages carrying binary protobuf payloads.
const ContentTypeProtobuf = "application/x-protobuf"

// Message is one delivery from a durable, ack-gated subscription.
type Message struct {
	Subject     string
	Data        []byte
	ContentType string
	// Sequence is the broker-assigned position (stream sequence or offset).
	Sequence uint64
	// Delivered counts delivery attempts, 1 on first delivery.
	Delivered uint64
	Received  time.Time
}

// Handler processes one message. A nil return acknowledges the message;
// an error leaves it unacknowledged for the broker to redeliver.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Source is a durable subscription driver.
//
// Open establishes the transport, Subscribe provisions the durable
// stream/consumer, Consume delivers messages one at a time until ctx is done
// or Close is called (returning nil) or the subscription fails for good
// (returning the error). Close is idempotent.
type Source interface {
	Open(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Consume(ctx context.Context, h Handler) error
	Close(ctx context.Context) error
}
