// Package amqp publishes messages to RabbitMQ on a confirm-mode channel so
// that each publish can be tied to the broker's ack or nack.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNacked is reported when the broker explicitly rejects a message.
var ErrNacked = errors.New("message nacked by broker")

// Publisher owns one connection and one confirm-mode channel.
type Publisher struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
	// confirmTimeout bounds how long a publish may wait for its confirm.
	confirmTimeout time.Duration
	mu             sync.Mutex
	logger         *slog.Logger
}

// NewPublisher dials RabbitMQ, opens a channel and switches it into confirm
// mode. When no exchange is configured the routing key is declared as a
// durable queue on the default exchange.
func NewPublisher(cfg config.AMQPConfig) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	if cfg.Exchange == "" {
		if _, err := ch.QueueDeclare(cfg.RoutingKey, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.RoutingKey, err)
		}
	}
	return &Publisher{
		conn:           conn,
		ch:             ch,
		exchange:       cfg.Exchange,
		routingKey:     cfg.RoutingKey,
		confirmTimeout: 2 * time.Minute,
		logger:         slog.Default().With("component", "amqp-publisher", "routing_key", cfg.RoutingKey),
	}, nil
}

// Send publishes one persistent JSON message and returns as soon as the frame
// is written. ack fires once the broker confirms or rejects it.
func (p *Publisher) Send(ctx context.Context, key string, value []byte, ack func(error)) error {
	p.mu.Lock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    key,
			Timestamp:    time.Now().UTC(),
			Body:         value,
		},
	)
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("failed to publish message", "key", key, "error", err)
		return fmt.Errorf("publishing to rabbitmq: %w", err)
	}
	go p.awaitConfirm(dc, key, ack)
	return nil
}

func (p *Publisher) awaitConfirm(dc *amqp.DeferredConfirmation, key string, ack func(error)) {
	ctx, cancel := context.WithTimeout(context.Background(), p.confirmTimeout)
	defer cancel()
	acked, err := dc.WaitContext(ctx)
	switch {
	case err != nil:
		ack(fmt.Errorf("waiting for confirm of %s: %w", key, err))
	case !acked:
		p.logger.Error("message nacked", "key", key, "delivery_tag", dc.DeliveryTag)
		ack(fmt.Errorf("%w: %s", ErrNacked, key))
	default:
		ack(nil)
	}
}

// Ping reports whether the connection is still open.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	return errors.Join(chErr, connErr)
}
