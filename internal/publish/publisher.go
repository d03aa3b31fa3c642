// Package publish turns partition descriptors into broker messages and
// tracks their acknowledgements per run.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/metrics"
)

// Transport hands one keyed message to a broker without waiting for it to be
// acknowledged. ack is called exactly once with the delivery result, unless
// Send itself returns an error, in which case it is never called.
// *kafka.Producer and *amqp.Publisher both satisfy it.
type Transport interface {
	Send(ctx context.Context, key string, value []byte, ack func(error)) error
}

// Publisher creates one Batch per run over a shared Transport.
type Publisher struct {
	transport Transport
	metrics   *metrics.Metrics
}

func NewPublisher(t Transport, m *metrics.Metrics) *Publisher {
	return &Publisher{transport: t, metrics: m}
}

// NewSink implements partition.SinkFactory.
func (p *Publisher) NewSink(runID string) partition.Sink {
	return &Batch{
		transport: p.transport,
		metrics:   p.metrics,
		settled:   make(chan struct{}, 1),
		logger:    slog.Default().With("component", "publisher", "run_id", runID),
	}
}

// Batch tracks the descriptors of a single run until they settle. Every ack
// nudges settled so Wait can recheck pending without a helper goroutine.
type Batch struct {
	transport Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pending  atomic.Int64
	failures atomic.Uint32
	settled  chan struct{}
}

// Publish sends d and returns immediately. Serialisation and enqueue errors
// are counted as failures straight away.
func (b *Batch) Publish(ctx context.Context, d partition.Descriptor) {
	value, err := json.Marshal(d)
	if err != nil {
		b.fail(d, fmt.Errorf("encoding descriptor: %w", err))
		return
	}

	b.pending.Add(1)
	var once sync.Once
	ack := func(err error) {
		once.Do(func() {
			if err != nil {
				b.fail(d, err)
			} else {
				b.metrics.PublishResult("acked")
			}
			b.pending.Add(-1)
			select {
			case b.settled <- struct{}{}:
			default:
			}
		})
	}
	if err := b.transport.Send(ctx, d.Key(), value, ack); err != nil {
		b.metrics.PublishResult("rejected")
		ack(err)
	}
}

func (b *Batch) fail(d partition.Descriptor, err error) {
	b.failures.Add(1)
	b.metrics.PublishResult("failed")
	b.logger.Error("partition publish failed",
		"partition", d.SequenceNumber,
		"start_byte", d.StartByte,
		"end_byte", d.EndByte,
		"error", err,
	)
}

// Wait blocks until every publish has settled or ctx ends. It must only be
// called once all Publish calls have returned. Publishes still unsettled when
// ctx ends are reported as failed; their acks may still arrive later and are
// ignored.
func (b *Batch) Wait(ctx context.Context) uint32 {
	for b.pending.Load() > 0 {
		select {
		case <-b.settled:
		case <-ctx.Done():
			unsettled := b.pending.Load()
			failed := b.failures.Load() + uint32(unsettled)
			b.logger.Error("gave up waiting for broker acknowledgements",
				"unsettled", unsettled,
				"error", context.Cause(ctx),
			)
			return failed
		}
	}
	return b.failures.Load()
}
