package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Dispatcher runs submissions in the background, at most maxConcurrent at a
// time. Runs inherit the dispatcher's base context, not the caller's, so an
// HTTP request or a Kafka fetch can return while its run continues.
type Dispatcher struct {
	coord  *Coordinator
	sem    *semaphore.Weighted
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a Dispatcher whose runs are cancelled when ctx ends
// or Shutdown gives up waiting.
func NewDispatcher(ctx context.Context, coord *Coordinator, maxConcurrent int64) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	base, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		coord:  coord,
		sem:    semaphore.NewWeighted(maxConcurrent),
		base:   base,
		cancel: cancel,
		logger: slog.Default().With("component", "dispatcher"),
	}
}

// Dispatch blocks until a run slot is free or ctx ends, then starts req in
// the background. done, if non-nil, receives the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req partition.RunRequest, done func(partition.Outcome)) error {
	if err := req.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%w: dispatcher shut down", apperrors.ErrCancelled)
	}
	d.wg.Add(1)
	d.mu.Unlock()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.wg.Done()
		return fmt.Errorf("%w: waiting for a run slot: %w", apperrors.ErrTimeout, err)
	}
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		out := d.coord.Submit(d.base, req)
		d.logger.Debug("dispatched run finished", "run_id", req.RunID, "status", out.Status)
		if done != nil {
			done(out)
		}
	}()
	return nil
}

// Shutdown stops accepting runs and waits for the running ones. If ctx ends
// first the remaining runs are cancelled, which aborts them at their next
// partition, and Shutdown waits for them to settle.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown deadline reached, cancelling in-flight runs")
		d.cancel()
		<-finished
		return ctx.Err()
	}
}
