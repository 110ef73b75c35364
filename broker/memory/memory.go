// Package memory is an in-process fake implementing broker.Broker, used by
// tests that exercise the Listener, Session Worker, and Batch Pairer
// without a live RabbitMQ broker.
package memory

import (
	"context"
	"sync"

	"github.com/TogetherForABetterAI/calibration-service/broker"
	"github.com/TogetherForABetterAI/calibration-service/errors"
)

type binding struct {
	queue      string
	routingKey string
}

// Broker is a single shared in-memory broker instance. Queues are plain
// buffered Go channels; exchanges fan messages out to every bound queue
// whose routing key matches (empty routing key matches everything, which
// is how fanout exchanges behave here).
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]broker.ExchangeKind
	queues    map[string]chan broker.Delivery
	bindings  map[string][]binding // exchange -> bindings
	closed    bool
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]broker.ExchangeKind),
		queues:    make(map[string]chan broker.Delivery),
		bindings:  make(map[string][]binding),
	}
}

func (b *Broker) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
	return nil
}

func (b *Broker) DeclareQueue(ctx context.Context, name string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = make(chan broker.Delivery, 1024)
	}
	return nil
}

func (b *Broker) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[exchange] = append(b.bindings[exchange], binding{queue: queue, routingKey: routingKey})
	return nil
}

// Consume returns a channel fed directly from the named queue; prefetch is
// ignored since the fake has no network-level flow control to bound.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Newf("memory broker: queue %s not declared", queue)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-q:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("memory broker is closed")
	}

	for _, bind := range b.bindings[exchange] {
		if bind.routingKey != "" && bind.routingKey != routingKey {
			continue
		}
		q, ok := b.queues[bind.queue]
		if !ok {
			continue
		}
		delivery := broker.Delivery{
			Body:       body,
			RoutingKey: routingKey,
			Ack:        func() error { return nil },
			Nack:       func(requeue bool) error { return nil },
		}
		select {
		case q <- delivery:
		default:
			return errors.Newf("memory broker: queue %s is full", bind.queue)
		}
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	return nil
}

// PublishDirect delivers body straight to queue, bypassing exchange
// routing — the shape tests use to inject fixture messages.
func (b *Broker) PublishDirect(queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return errors.Newf("memory broker: queue %s not declared", queue)
	}
	q <- broker.Delivery{
		Body:       body,
		Ack:        func() error { return nil },
		Nack:       func(requeue bool) error { return nil },
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
