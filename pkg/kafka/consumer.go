// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer enqueues keyed messages asynchronously and
// reports delivery through per-message callbacks, while the consumer hands
// raw messages to a pluggable MessageHandler.
package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/resilience"
	"github.com/segmentio/kafka-go"
)

const fetchBackoff = time.Second

// MessageHandler is invoked once per message. Handlers must be idempotent:
// a failed message is retried, and one that is still failing when the
// consumer shuts down is redelivered after restart.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer reads one topic within a consumer group. Offsets are committed in
// order, so a message is committed only after its handler succeeded or gave
// up for good.
type Consumer struct {
	reader  *kafka.Reader
	handler MessageHandler
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Consumer{
		reader:  r,
		handler: handler,
		retry: resilience.RetryConfig{
			MaxAttempts:  max(cfg.MaxAttempts, 1),
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		logger: slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// Start consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			select {
			case <-time.After(fetchBackoff):
			case <-ctx.Done():
			}
			continue
		}
		log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)
		log.Debug("message received", "key", string(msg.Key), "value_size", len(msg.Value))

		err = resilience.Retry(ctx, "handle message", c.retry, func() error {
			return c.handler(ctx, msg.Key, msg.Value)
		})
		if err != nil {
			if ctx.Err() != nil {
				log.Warn("leaving message uncommitted for redelivery", "error", err)
				return nil
			}
			log.Error("dropping message after retries", "error", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error("failed to commit message", "error", err)
		}
	}
}
