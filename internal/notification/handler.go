package notification

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/kafka"
)

// Dispatcher starts runs in the background. *coordinator.Dispatcher
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req partition.RunRequest, done func(partition.Outcome)) error
}

// Handler returns a kafka.MessageHandler that dispatches a run for every
// upload in the message. Undecodable messages are logged and dropped so they
// cannot wedge the partition; a failed dispatch is returned so the offset
// stays uncommitted. Duplicate runs caused by redelivery are absorbed by the
// coordinator's registry.
func Handler(d Dispatcher) kafka.MessageHandler {
	logger := slog.Default().With("component", "notification-handler")
	return func(ctx context.Context, key []byte, value []byte) error {
		reqs, err := Parse(value)
		if err != nil {
			logger.Error("dropping undecodable notification", "error", err)
			return nil
		}
		if len(reqs) == 0 {
			logger.Debug("notification carried no object-created records")
			return nil
		}
		var errs []error
		for _, req := range reqs {
			logger.Info("upload notification received",
				"run_id", req.RunID,
				"source_id", req.SourceID,
				"object_key", req.ObjectKey,
			)
			if err := d.Dispatch(ctx, req, nil); err != nil {
				if errors.Is(err, apperrors.ErrInvalidInput) {
					logger.Error("dropping invalid run request", "run_id", req.RunID, "error", err)
					continue
				}
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
