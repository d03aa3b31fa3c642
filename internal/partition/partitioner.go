package partition

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/tracing"
)

// Config controls partition sizing and how long a run waits for its
// publishes to settle.
type Config struct {
	TargetSizeBytes int64
	SettleTimeout   time.Duration
}

// Partitioner walks an object from byte 0 to its end, emitting one
// Descriptor per aligned range. Boundary computation for the next range
// proceeds while earlier publishes are still in flight; the run only settles
// with the sink once the walk is over.
type Partitioner struct {
	store    ObjectStore
	resolver *BoundaryResolver
	sinks    SinkFactory
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Partitioner.
func New(store ObjectStore, resolver *BoundaryResolver, sinks SinkFactory, cfg Config, m *metrics.Metrics) *Partitioner {
	if cfg.TargetSizeBytes <= 0 {
		cfg.TargetSizeBytes = 50 * 1024 * 1024
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 2 * time.Minute
	}
	return &Partitioner{
		store:    store,
		resolver: resolver,
		sinks:    sinks,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With("component", "range-partitioner"),
	}
}

// Run executes one partitioning pass. The run is Completed only if every
// descriptor was acknowledged by the broker; a single failed publish aborts
// the whole run so that workers never act on a partial partition set.
// Cancelling ctx stops the walk before the next partition.
func (p *Partitioner) Run(ctx context.Context, req RunRequest) Outcome {
	started := time.Now()
	log := p.logger.With(
		"run_id", req.RunID,
		"source_id", req.SourceID,
		"object_key", req.ObjectKey,
	)
	finish := func(out Outcome) Outcome {
		out.Duration = time.Since(started)
		return out
	}

	if err := req.Validate(); err != nil {
		return finish(Aborted(req.RunID, err))
	}

	_, probeSpan := tracing.StartChild(ctx, "size_probe")
	size, err := p.store.Size(ctx, req.SourceID, req.ObjectKey)
	probeSpan.SetAttr("object_size", size)
	probeSpan.End()
	if err != nil {
		log.Error("size probe failed", "error", err)
		return finish(Aborted(req.RunID, fmt.Errorf("probing size of %s/%s: %w", req.SourceID, req.ObjectKey, err)))
	}
	if size <= 0 {
		log.Error("refusing to partition empty object", "object_size", size)
		return finish(Aborted(req.RunID, apperrors.InvalidInputf("object %s/%s has size %d", req.SourceID, req.ObjectKey, size)))
	}
	log.Info("partitioning started",
		"object_size", size,
		"target_size", p.cfg.TargetSizeBytes,
	)

	out := Outcome{RunID: req.RunID, ObjectSize: size}
	sink := p.sinks.NewSink(req.RunID)

	_, walkSpan := tracing.StartChild(ctx, "boundary_walk")
	seq := 0
	for start := int64(0); start < size; seq++ {
		if err := ctx.Err(); err != nil {
			out.Cause = fmt.Errorf("%w after %d partitions: %v", apperrors.ErrCancelled, seq, err)
			break
		}
		proposedEnd := min(start+p.cfg.TargetSizeBytes-1, size-1)
		end, warning := p.resolver.Resolve(ctx, req, proposedEnd, size)
		if warning != nil {
			warning.Sequence = seq
			out.BoundaryWarnings = append(out.BoundaryWarnings, *warning)
			p.metrics.BoundaryWarning(string(warning.Kind))
		}

		d := Descriptor{
			SourceID:       req.SourceID,
			ObjectKey:      req.ObjectKey,
			StartByte:      start,
			EndByte:        end,
			SequenceNumber: seq,
			RunID:          req.RunID,
		}
		sink.Publish(ctx, d)
		p.metrics.PartitionEmitted(d.Size())
		log.Debug("partition emitted",
			"partition", seq,
			"start_byte", d.StartByte,
			"end_byte", d.EndByte,
		)
		start = end + 1
	}
	walkSpan.SetAttr("partitions", seq)
	walkSpan.End()
	out.PartitionCount = seq

	// The settle point must outlive a cancelled run so the failure count
	// reflects what the broker actually accepted.
	_, settleSpan := tracing.StartChild(ctx, "publish_settle")
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SettleTimeout)
	out.FailedPublishCount = sink.Wait(settleCtx)
	cancel()
	settleSpan.SetAttr("failed", out.FailedPublishCount)
	settleSpan.End()

	switch {
	case out.Cause != nil:
		out.Status = StatusAborted
		log.Error("partitioning cancelled",
			"partitions", out.PartitionCount,
			"failed_publishes", out.FailedPublishCount,
			"error", out.Cause,
		)
	case out.FailedPublishCount > 0:
		out.Status = StatusAborted
		out.Cause = fmt.Errorf("%w: %d of %d partitions", apperrors.ErrPublishFailure, out.FailedPublishCount, out.PartitionCount)
		log.Error("aborting run, partition set incomplete",
			"partitions", out.PartitionCount,
			"failed_publishes", out.FailedPublishCount,
		)
	default:
		out.Status = StatusCompleted
		log.Info("partitioning completed",
			"partitions", out.PartitionCount,
			"boundary_warnings", len(out.BoundaryWarnings),
		)
	}
	return finish(out)
}
