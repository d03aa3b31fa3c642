package resilience

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
)

// WithTimeout runs fn under a deadline of timeout; zero means no deadline.
// fn must honour ctx. When the deadline, and not the caller's context, ends
// the call, the result wraps both apperrors.ErrTimeout and
// context.DeadlineExceeded.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(tctx)
	if err == nil || ctx.Err() != nil || tctx.Err() == nil {
		return err
	}
	return fmt.Errorf("%w: %s exceeded %v: %w", apperrors.ErrTimeout, name, timeout, context.DeadlineExceeded)
}
