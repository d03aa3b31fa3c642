package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Producer publishes keyed messages to a Kafka topic without waiting for the
// broker. Delivery results arrive later through the ack passed to Send.
type Producer struct {
	writer  *kafka.Writer
	brokers []string
	logger  *slog.Logger
}

// NewProducer creates an asynchronous Producer for the given topic. The writer
// requires acknowledgement from all in-sync replicas and retries each batch up
// to cfg.MaxAttempts times before reporting failure.
func NewProducer(cfg config.KafkaConfig, topic string) *Producer {
	logger := slog.Default().With("component", "kafka-producer", "topic", topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  cfg.MaxAttempts,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        true,
		Completion:   completion(logger),
	}
	return &Producer{
		writer:  w,
		brokers: cfg.Brokers,
		logger:  logger,
	}
}

// completion routes a batch result back to the ack callback carried by every
// message in the batch. It runs on the writer's goroutine.
func completion(logger *slog.Logger) func([]kafka.Message, error) {
	return func(messages []kafka.Message, err error) {
		if err != nil {
			logger.Error("batch delivery failed",
				"count", len(messages),
				"error", err,
			)
		}
		for _, msg := range messages {
			if ack, ok := msg.WriterData.(func(error)); ok {
				ack(err)
			}
		}
	}
}

// Send enqueues one message. A non-nil error means the writer refused the
// message outright and ack will not be called.
func (p *Producer) Send(ctx context.Context, key string, value []byte, ack func(error)) error {
	msg := kafka.Message{
		Key:        []byte(key),
		Value:      value,
		WriterData: ack,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to enqueue message",
			"key", key,
			"error", err,
		)
		return fmt.Errorf("enqueueing to kafka: %w", err)
	}
	p.logger.Debug("message enqueued",
		"key", key,
		"value_size", len(value),
	)
	return nil
}

// Ping succeeds if any configured broker accepts a connection. Used by
// readiness checks.
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = fmt.Errorf("dialing kafka %s: %w", addr, err)
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no kafka brokers configured")
	}
	return lastErr
}

// Close flushes pending writes, delivering their completions, and closes the
// underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
