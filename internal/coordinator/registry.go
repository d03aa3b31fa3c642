package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/redis"
	"github.com/google/uuid"
)

// Claim is the registry's answer to a request to start a run.
type Claim int

const (
	// ClaimAcquired means the caller now owns the run and must call Finish.
	ClaimAcquired Claim = iota
	ClaimRunning
	ClaimCompleted
)

func (c Claim) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimRunning:
		return "running"
	case ClaimCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Registry tracks which run ids are in flight or done. Begin must be atomic
// per run id: of two concurrent callers at most one gets ClaimAcquired.
// Finish with a non-completed status releases the claim so the run id can be
// retried.
type Registry interface {
	Begin(ctx context.Context, runID string) (Claim, error)
	Finish(ctx context.Context, runID string, status partition.Status) error
}

// MemoryRegistry is a process-local Registry. The map value records whether
// the run completed; a present false entry is a run in flight.
type MemoryRegistry struct {
	mu   sync.Mutex
	runs map[string]bool
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{runs: make(map[string]bool)}
}

func (r *MemoryRegistry) Begin(ctx context.Context, runID string) (Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	completed, ok := r.runs[runID]
	switch {
	case !ok:
		r.runs[runID] = false
		return ClaimAcquired, nil
	case completed:
		return ClaimCompleted, nil
	default:
		return ClaimRunning, nil
	}
}

func (r *MemoryRegistry) Finish(ctx context.Context, runID string, status partition.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == partition.StatusCompleted {
		r.runs[runID] = true
		return nil
	}
	delete(r.runs, runID)
	return nil
}

const (
	runKeyPrefix   = "partition-run:"
	stateRunning   = "running:"
	stateCompleted = "completed"
)

// RedisRegistry shares run claims between partitioner replicas. A running
// claim is tagged with the owning replica and expires after runningTTL so a
// crashed replica cannot block a run id forever; a completed marker lives for
// completedTTL (zero keeps it).
type RedisRegistry struct {
	client       *redis.Client
	owner        string
	runningTTL   time.Duration
	completedTTL time.Duration
	logger       *slog.Logger
}

func NewRedisRegistry(client *redis.Client, runningTTL, completedTTL time.Duration) *RedisRegistry {
	return &RedisRegistry{
		client:       client,
		owner:        stateRunning + uuid.NewString(),
		runningTTL:   runningTTL,
		completedTTL: completedTTL,
		logger:       slog.Default().With("component", "redis-registry"),
	}
}

func (r *RedisRegistry) Begin(ctx context.Context, runID string) (Claim, error) {
	prev, acquired, err := r.client.Claim(ctx, runKeyPrefix+runID, r.owner, r.runningTTL)
	switch {
	case err != nil:
		return 0, fmt.Errorf("claiming run %s: %w", runID, err)
	case acquired:
		return ClaimAcquired, nil
	case prev == stateCompleted:
		return ClaimCompleted, nil
	default:
		return ClaimRunning, nil
	}
}

// Finish marks a completed run or releases an aborted one. A release is
// skipped when the claim already expired and another replica took it over.
func (r *RedisRegistry) Finish(ctx context.Context, runID string, status partition.Status) error {
	key := runKeyPrefix + runID
	if status == partition.StatusCompleted {
		if err := r.client.Set(ctx, key, stateCompleted, r.completedTTL); err != nil {
			return fmt.Errorf("marking run %s completed: %w", runID, err)
		}
		return nil
	}
	released, err := r.client.Release(ctx, key, r.owner)
	if err != nil {
		return fmt.Errorf("releasing run %s: %w", runID, err)
	}
	if !released {
		r.logger.Warn("run claim no longer held by this replica", "run_id", runID)
	}
	return nil
}
