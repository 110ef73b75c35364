// Package amqp implements broker.Broker against a real RabbitMQ server
// using github.com/rabbitmq/amqp091-go, with exponential-backoff
// reconnection (5s to 60s cap) the way the Listener's and session Workers'
// failure policy requires.
package amqp

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/TogetherForABetterAI/calibration-service/broker"
	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/logger"
)

const (
	minBackoff = 5 * time.Second
	maxBackoff = 60 * time.Second
)

// Broker wraps one AMQP connection. Every operation opens its own channel
// on that connection. The serve command builds a single *Broker and hands
// it to the Listener and to every session worker, so they all share this
// one connection; workers do not get a connection of their own.
type Broker struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection

	// dialLimiter caps how often Reconnect may attempt a fresh dial,
	// independent of the exponential backoff sleep below — a guard
	// against a tight retry loop if a dial fails faster than the
	// backoff's current sleep duration (e.g. immediate DNS failure).
	dialLimiter *rate.Limiter
}

// Dial connects to the AMQP URL built from config.RabbitMQConfig.URL().
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dialing amqp broker")
	}
	return &Broker{url: url, conn: conn, dialLimiter: rate.NewLimiter(rate.Every(minBackoff), 1)}, nil
}

func (b *Broker) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, errors.New("amqp broker has no active connection")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "opening amqp channel")
	}
	return ch, nil
}

func (b *Broker) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind, durable bool) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(name, string(kind), durable, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring exchange %s", name)
	}
	return nil
}

func (b *Broker) DeclareQueue(ctx context.Context, name string, durable bool) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(name, durable, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring queue %s", name)
	}
	return nil
}

func (b *Broker) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return errors.Wrapf(err, "binding queue %s to exchange %s", queue, exchange)
	}
	return nil
}

func (b *Broker) Consume(ctx context.Context, queue string, prefetch int) (<-chan broker.Delivery, error) {
	ch, err := b.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, errors.Wrapf(err, "setting prefetch %d on queue %s", prefetch, queue)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, errors.Wrapf(err, "consuming queue %s", queue)
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				delivery := d
				out <- broker.Delivery{
					Body:       delivery.Body,
					RoutingKey: delivery.RoutingKey,
					Ack:        func() error { return delivery.Ack(false) },
					Nack:       func(requeue bool) error { return delivery.Nack(false, requeue) },
				}
			}
		}
	}()
	return out, nil
}

func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/octet-stream",
		Body:        body,
	})
	if err != nil {
		return errors.Wrapf(err, "publishing to exchange %s routing key %s", exchange, routingKey)
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// Reconnect dials a fresh connection with exponential backoff, starting at
// 5s and capping at 60s, per the Listener's transient-broker-error policy.
func (b *Broker) Reconnect(ctx context.Context) error {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := b.dialLimiter.Wait(ctx); err != nil {
			return err
		}

		conn, err := amqp.Dial(b.url)
		if err == nil {
			b.mu.Lock()
			b.conn = conn
			b.mu.Unlock()
			return nil
		}

		logger.Logger.Warnw("amqp reconnect attempt failed", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

var _ broker.Broker = (*Broker)(nil)
var _ broker.Reconnector = (*Broker)(nil)
