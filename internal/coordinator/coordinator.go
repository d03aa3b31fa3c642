// Package coordinator guarantees at most one partitioning run per run id,
// executes accepted runs and records every terminal outcome.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/tracing"
)

// Runner executes one partitioning pass. *partition.Partitioner satisfies it.
type Runner interface {
	Run(ctx context.Context, req partition.RunRequest) partition.Outcome
}

// Coordinator is the entry point for run requests from every intake path.
type Coordinator struct {
	runner   Runner
	registry Registry
	history  History
	tracer   *tracing.Tracer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Coordinator. history and tracer may be nil.
func New(runner Runner, registry Registry, history History, tracer *tracing.Tracer, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		runner:   runner,
		registry: registry,
		history:  history,
		tracer:   tracer,
		metrics:  m,
		logger:   slog.Default().With("component", "coordinator"),
	}
}

// Submit runs req unless its run id is already in flight or completed, in
// which case a Skipped outcome is returned without touching storage.
func (c *Coordinator) Submit(ctx context.Context, req partition.RunRequest) partition.Outcome {
	started := time.Now()
	if err := req.Validate(); err != nil {
		c.logger.Warn("rejected run request", "error", err)
		c.metrics.ObserveRun(string(partition.StatusAborted), "invalid_input", 0)
		return partition.Aborted(req.RunID, err)
	}
	log := c.logger.With("run_id", req.RunID)

	claim, err := c.registry.Begin(ctx, req.RunID)
	if err != nil {
		log.Error("run registry unavailable", "error", err)
		out := partition.Aborted(req.RunID, fmt.Errorf("%w: %w", apperrors.ErrTransientIO, err))
		c.observe(ctx, req, out, started)
		return out
	}
	switch claim {
	case ClaimRunning:
		log.Info("skipping run already in flight")
		out := partition.Skipped(req.RunID, partition.SkipAlreadyRunning)
		c.observe(ctx, req, out, started)
		return out
	case ClaimCompleted:
		log.Info("skipping run already completed")
		out := partition.Skipped(req.RunID, partition.SkipAlreadyCompleted)
		c.observe(ctx, req, out, started)
		return out
	}

	ctx = logger.WithRun(ctx, req.RunID)
	ctx, span := c.tracer.Start(ctx, "partition_run", req.RunID)
	span.SetAttr("source_id", req.SourceID)
	span.SetAttr("object_key", req.ObjectKey)

	c.metrics.RunStarted()
	out := c.runner.Run(ctx, req)
	c.metrics.RunFinished()

	span.SetAttr("status", string(out.Status))
	c.tracer.Finish(span)

	// The claim must be settled even when the caller has gone away.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.registry.Finish(finishCtx, req.RunID, out.Status); err != nil {
		log.Error("failed to settle run claim", "status", out.Status, "error", err)
	}
	c.observe(finishCtx, req, out, started)
	return out
}

func (c *Coordinator) observe(ctx context.Context, req partition.RunRequest, out partition.Outcome, started time.Time) {
	c.metrics.ObserveRun(string(out.Status), string(out.SkipReason), out.Duration)
	if c.history == nil {
		return
	}
	if err := c.history.Record(ctx, NewRecord(req, out, started)); err != nil {
		c.logger.Error("failed to record run history",
			"run_id", req.RunID,
			"status", out.Status,
			"error", err,
		)
	}
}
