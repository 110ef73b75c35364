// Package broker defines the narrow message-broker interface the core
// consumes: declare, bind, consume with manual ack/nack, publish, and
// reconnect. Concrete implementations live in broker/amqp (RabbitMQ, via
// amqp091-go) and broker/memory (an in-process fake for tests).
package broker

import "context"

// Exchange kinds used by this service, bit-exact with the broker's own
// vocabulary (fanout/direct).
type ExchangeKind string

const (
	Fanout ExchangeKind = "fanout"
	Direct ExchangeKind = "direct"
)

// Delivery is one inbound message. Ack/Nack must be called exactly once
// per delivery.
type Delivery struct {
	Body       []byte
	Ack        func() error
	Nack       func(requeue bool) error
	RoutingKey string
}

// Broker is the consumed interface of the message broker: declare
// queue/exchange (idempotent), bind queue, create a channel with a
// prefetch count, consume with manual ack/nack, publish with a routing
// key, and reconnect with backoff on connection loss.
type Broker interface {
	// DeclareExchange idempotently declares an exchange of the given kind.
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind, durable bool) error
	// DeclareQueue idempotently declares a queue.
	DeclareQueue(ctx context.Context, name string, durable bool) error
	// BindQueue binds queue to exchange with routingKey (empty for fanout).
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	// Consume starts delivering messages from queue to the returned
	// channel, honoring prefetch as the maximum number of unacked
	// deliveries outstanding at once. The channel closes when ctx is
	// cancelled or the underlying channel/connection closes.
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)
	// Publish sends body to exchange with routingKey. Best-effort: the
	// caller decides whether publish failure is fatal.
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	// Close tears down the broker connection and any open channels.
	Close() error
}

// Reconnector is implemented by brokers that support transparent
// reconnection with exponential backoff. Both the Listener and every
// session Worker call Reconnect when their deliveries channel closes
// without their own context being cancelled — the signal a Consume
// channel gives for an underlying connection loss — then re-declare their
// topology and resume consumption.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}
