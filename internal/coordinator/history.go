package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/postgres"
)

// Record is the persisted summary of one terminal run outcome.
type Record struct {
	RunID              string               `json:"runId"`
	SourceID           string               `json:"bucketName"`
	ObjectKey          string               `json:"key"`
	Status             partition.Status     `json:"status"`
	SkipReason         partition.SkipReason `json:"skipReason,omitempty"`
	PartitionCount     int                  `json:"partitionCount"`
	FailedPublishCount uint32               `json:"failedPublishCount"`
	ObjectSize         int64                `json:"objectSize"`
	BoundaryWarnings   int                  `json:"boundaryWarnings"`
	Cause              string               `json:"cause,omitempty"`
	StartedAt          time.Time            `json:"startedAt"`
	FinishedAt         time.Time            `json:"finishedAt"`
}

// NewRecord summarises out for req.
func NewRecord(req partition.RunRequest, out partition.Outcome, startedAt time.Time) Record {
	rec := Record{
		RunID:              req.RunID,
		SourceID:           req.SourceID,
		ObjectKey:          req.ObjectKey,
		Status:             out.Status,
		SkipReason:         out.SkipReason,
		PartitionCount:     out.PartitionCount,
		FailedPublishCount: out.FailedPublishCount,
		ObjectSize:         out.ObjectSize,
		BoundaryWarnings:   len(out.BoundaryWarnings),
		StartedAt:          startedAt.UTC(),
		FinishedAt:         startedAt.Add(out.Duration).UTC(),
	}
	if out.Cause != nil {
		rec.Cause = out.Cause.Error()
	}
	return rec
}

// History stores run outcomes. Get returns the most recent record for a run
// id, or an error matching apperrors.ErrNotFound.
type History interface {
	Record(ctx context.Context, rec Record) error
	Get(ctx context.Context, runID string) (Record, error)
}

// MemoryHistory keeps the latest record per run id.
type MemoryHistory struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{records: make(map[string]Record)}
}

func (h *MemoryHistory) Record(ctx context.Context, rec Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[rec.RunID] = rec
	return nil
}

func (h *MemoryHistory) Get(ctx context.Context, runID string) (Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[runID]
	if !ok {
		return Record{}, fmt.Errorf("%w: run %s", apperrors.ErrNotFound, runID)
	}
	return rec, nil
}

// PostgresHistory appends every outcome to the partition_runs table; Get
// reads the newest row for a run id.
type PostgresHistory struct {
	db *postgres.Client
}

func NewPostgresHistory(db *postgres.Client) *PostgresHistory {
	return &PostgresHistory{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS partition_runs (
    id                   BIGSERIAL PRIMARY KEY,
    run_id               TEXT NOT NULL,
    bucket_name          TEXT NOT NULL,
    object_key           TEXT NOT NULL,
    status               TEXT NOT NULL,
    skip_reason          TEXT NOT NULL DEFAULT '',
    partition_count      INTEGER NOT NULL,
    failed_publish_count INTEGER NOT NULL,
    object_size          BIGINT NOT NULL,
    boundary_warnings    INTEGER NOT NULL,
    cause                TEXT NOT NULL DEFAULT '',
    started_at           TIMESTAMPTZ NOT NULL,
    finished_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS partition_runs_run_id ON partition_runs (run_id, id DESC);`

// Migrate creates the table if it does not exist.
func (h *PostgresHistory) Migrate(ctx context.Context) error {
	return h.db.Migrate(ctx, "partition_runs", schema)
}

func (h *PostgresHistory) Record(ctx context.Context, rec Record) error {
	_, err := h.db.DB.ExecContext(ctx,
		`INSERT INTO partition_runs
		 (run_id, bucket_name, object_key, status, skip_reason, partition_count,
		  failed_publish_count, object_size, boundary_warnings, cause, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.RunID, rec.SourceID, rec.ObjectKey, string(rec.Status), string(rec.SkipReason), rec.PartitionCount,
		int64(rec.FailedPublishCount), rec.ObjectSize, rec.BoundaryWarnings, rec.Cause, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", rec.RunID, err)
	}
	return nil
}

func (h *PostgresHistory) Get(ctx context.Context, runID string) (Record, error) {
	var (
		rec        Record
		status     string
		skipReason string
		failed     int64
	)
	err := h.db.DB.QueryRowContext(ctx,
		`SELECT run_id, bucket_name, object_key, status, skip_reason, partition_count,
		        failed_publish_count, object_size, boundary_warnings, cause, started_at, finished_at
		 FROM partition_runs
		 WHERE run_id = $1
		 ORDER BY id DESC
		 LIMIT 1`,
		runID,
	).Scan(&rec.RunID, &rec.SourceID, &rec.ObjectKey, &status, &skipReason, &rec.PartitionCount,
		&failed, &rec.ObjectSize, &rec.BoundaryWarnings, &rec.Cause, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: run %s", apperrors.ErrNotFound, runID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying run %s: %w", runID, err)
	}
	rec.Status = partition.Status(status)
	rec.SkipReason = partition.SkipReason(skipReason)
	rec.FailedPublishCount = uint32(failed)
	return rec, nil
}
