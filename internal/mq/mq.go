// Package mq wraps the AMQP broker connection and topology.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// Routing keys on the publish exchange.
const (
	KeyTask   = "task"
	KeyResult = "result"
)

// Config names the broker URL and the exchanges/queues the service uses.
type Config struct {
	URL                 string
	ExchangeExecute     string
	PublishExchange     string
	PublishRequestQueue string
	PublishResultQueue  string
}

// Bus is a shared broker connection. Channels are cheap and scoped to a
// single operation; the connection redials lazily when the broker drops it.
type Bus struct {
	cfg Config

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker.
func Dial(cfg Config) (*Bus, error) {
	b := &Bus{cfg: cfg}
	if _, err := b.connection(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	b.conn = conn
	return conn, nil
}

// Close tears down the broker connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

func (b *Bus) channel() (*amqp.Channel, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// DeclareTopology declares the exchanges and queues the service owns:
// the execute exchange carrying run notifications, and the publish
// exchange with its request and result queues.
func (b *Bus) DeclareTopology() error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, ex := range []string{b.cfg.ExchangeExecute, b.cfg.PublishExchange} {
		if err := ch.ExchangeDeclare(ex, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	bindings := []struct {
		queue string
		key   string
	}{
		{b.cfg.PublishRequestQueue, KeyTask},
		{b.cfg.PublishResultQueue, KeyResult},
	}
	for _, bind := range bindings {
		if _, err := ch.QueueDeclare(bind.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", bind.queue, err)
		}
		if err := ch.QueueBind(bind.queue, bind.key, b.cfg.PublishExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", bind.queue, err)
		}
	}
	return nil
}

// PublishJSON marshals v and publishes it persistently to the exchange
// under the routing key.
func (b *Bus) PublishJSON(ctx context.Context, exchange, key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}

// Consume reads the queue one message at a time and feeds message bodies
// to handler. A handler error rejects the message without requeue; the
// message is not retried. Consume returns when ctx is cancelled or the
// channel is torn down by the broker.
func (b *Bus) Consume(ctx context.Context, queue string, handler func(ctx context.Context, body []byte) error) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer channel for %s closed", queue)
			}
			if err := handler(ctx, d.Body); err != nil {
				log.WithError(err).WithField("queue", queue).Warn("message handler failed, rejecting")
				if rerr := d.Reject(false); rerr != nil {
					return fmt.Errorf("reject message: %w", rerr)
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack message: %w", err)
			}
		}
	}
}
