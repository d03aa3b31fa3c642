package partition

import (
	"bytes"
	"context"
	"log/slog"

	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/resilience"
)

// BoundaryResolver moves a proposed cut point forward to the end of the record
// it falls in, reading at most one window of bytes from the object.
type BoundaryResolver struct {
	store      ObjectStore
	window     int64
	terminator byte
	retry      resilience.RetryConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// BoundaryConfig configures a BoundaryResolver.
type BoundaryConfig struct {
	WindowBytes  int64
	Terminator   byte
	ReadAttempts int
}

// NewBoundaryResolver creates a resolver. ReadAttempts of 1 disables retries.
func NewBoundaryResolver(store ObjectStore, cfg BoundaryConfig, m *metrics.Metrics) *BoundaryResolver {
	if cfg.WindowBytes <= 0 {
		cfg.WindowBytes = 1024 * 1024
	}
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = 1
	}
	return &BoundaryResolver{
		store:      store,
		window:     cfg.WindowBytes,
		terminator: cfg.Terminator,
		retry: resilience.RetryConfig{
			MaxAttempts: cfg.ReadAttempts,
			Retryable:   apperrors.IsRetryable,
		},
		metrics: m,
		logger:  slog.Default().With("component", "boundary-resolver"),
	}
}

// Resolve returns the absolute offset of the first terminator at or after
// proposedEnd. When proposedEnd is already at or past the last byte, the last
// byte is returned without a read. Two degraded results carry a warning:
// no terminator inside the window yields the window's last byte, and a failed
// read yields proposedEnd unchanged. A window cut short by the end of the
// object with no terminator yields the last byte and no warning, since the
// final record is simply unterminated.
func (r *BoundaryResolver) Resolve(ctx context.Context, req RunRequest, proposedEnd, objectSize int64) (int64, *BoundaryWarning) {
	last := objectSize - 1
	if proposedEnd >= last {
		return last, nil
	}

	length := r.window
	clamped := false
	if proposedEnd+length-1 >= last {
		length = last - proposedEnd + 1
		clamped = true
	}

	var buf []byte
	err := resilience.Retry(ctx, "boundary probe", r.retry, func() error {
		b, err := r.store.ReadRange(ctx, req.SourceID, req.ObjectKey, proposedEnd, length)
		if err != nil {
			return err
		}
		buf = b
		return nil
	})
	if err != nil {
		r.logger.Error("boundary probe failed, using proposed end",
			"run_id", req.RunID,
			"proposed_end", proposedEnd,
			"error", err,
		)
		return proposedEnd, &BoundaryWarning{
			ProposedEnd: proposedEnd,
			ResolvedEnd: proposedEnd,
			Kind:        WarningProbeFailed,
			Cause:       err.Error(),
		}
	}
	r.metrics.ProbeRead(len(buf))

	if i := bytes.IndexByte(buf, r.terminator); i >= 0 {
		end := proposedEnd + int64(i)
		r.logger.Debug("aligned partition boundary",
			"run_id", req.RunID,
			"proposed_end", proposedEnd,
			"resolved_end", end,
		)
		return end, nil
	}
	if clamped {
		r.logger.Info("final record has no terminator, closing partition at end of object",
			"run_id", req.RunID,
			"proposed_end", proposedEnd,
			"resolved_end", last,
		)
		return last, nil
	}

	end := proposedEnd + r.window - 1
	r.logger.Warn("no terminator inside probe window, using window end",
		"run_id", req.RunID,
		"proposed_end", proposedEnd,
		"resolved_end", end,
		"window_bytes", r.window,
	)
	return end, &BoundaryWarning{
		ProposedEnd: proposedEnd,
		ResolvedEnd: end,
		Kind:        WarningBoundaryNotFound,
	}
}
