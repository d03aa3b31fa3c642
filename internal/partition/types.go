// Package partition splits a delimited-record object into contiguous byte
// ranges that never cut a record in half, and hands each range to a publish
// sink for downstream workers.
package partition

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
)

// Descriptor is one unit of work: the inclusive byte range
// [StartByte, EndByte] of an object. The JSON field names are the broker wire
// contract consumed by the worker fleet and must not change.
type Descriptor struct {
	SourceID       string `json:"bucketName"`
	ObjectKey      string `json:"key"`
	StartByte      int64  `json:"startByte"`
	EndByte        int64  `json:"endByte"`
	SequenceNumber int    `json:"partitionNumber"`
	RunID          string `json:"jobExecutionId"`
}

// Key is the broker message key for the descriptor.
func (d Descriptor) Key() string {
	return "partition-" + strconv.Itoa(d.SequenceNumber)
}

// Size is the number of bytes covered by the descriptor.
func (d Descriptor) Size() int64 {
	return d.EndByte - d.StartByte + 1
}

// RunRequest asks for one partitioning pass over one object. RunID must be
// unique per logical attempt.
type RunRequest struct {
	SourceID  string `json:"bucketName"`
	ObjectKey string `json:"key"`
	RunID     string `json:"runId"`
}

// Validate rejects requests with blank identifiers.
func (r RunRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.SourceID) == "" {
		missing = append(missing, "bucketName")
	}
	if strings.TrimSpace(r.ObjectKey) == "" {
		missing = append(missing, "key")
	}
	if strings.TrimSpace(r.RunID) == "" {
		missing = append(missing, "runId")
	}
	if len(missing) > 0 {
		return apperrors.InvalidInputf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusAborted   Status = "ABORTED"
	StatusSkipped   Status = "SKIPPED"
)

type SkipReason string

const (
	SkipAlreadyRunning   SkipReason = "ALREADY_RUNNING"
	SkipAlreadyCompleted SkipReason = "ALREADY_COMPLETED"
)

type WarningKind string

const (
	// WarningBoundaryNotFound means no terminator appeared inside the probe
	// window; the record at that cut is wider than the window.
	WarningBoundaryNotFound WarningKind = "not_found"
	// WarningProbeFailed means the probe read failed and the cut was left at
	// the unaligned proposed offset.
	WarningProbeFailed WarningKind = "probe_failed"
)

// BoundaryWarning describes one partition end that could not be aligned to a
// record terminator.
type BoundaryWarning struct {
	Sequence    int         `json:"partitionNumber"`
	ProposedEnd int64       `json:"proposedEnd"`
	ResolvedEnd int64       `json:"resolvedEnd"`
	Kind        WarningKind `json:"kind"`
	Cause       string      `json:"cause,omitempty"`
}

// Outcome is the terminal result of a run.
type Outcome struct {
	RunID              string            `json:"runId"`
	Status             Status            `json:"status"`
	SkipReason         SkipReason        `json:"skipReason,omitempty"`
	PartitionCount     int               `json:"partitionCount"`
	FailedPublishCount uint32            `json:"failedPublishCount"`
	ObjectSize         int64             `json:"objectSize,omitempty"`
	BoundaryWarnings   []BoundaryWarning `json:"boundaryWarnings,omitempty"`
	Duration           time.Duration     `json:"-"`
	Cause              error             `json:"-"`
}

// MarshalJSON renders Cause as a string and Duration in milliseconds.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	var cause string
	if o.Cause != nil {
		cause = o.Cause.Error()
	}
	return json.Marshal(struct {
		plain
		DurationMs int64  `json:"durationMs"`
		Cause      string `json:"cause,omitempty"`
	}{plain(o), o.Duration.Milliseconds(), cause})
}

// Skipped builds the outcome for a run the coordinator refused to execute.
func Skipped(runID string, reason SkipReason) Outcome {
	return Outcome{RunID: runID, Status: StatusSkipped, SkipReason: reason}
}

// Aborted builds the outcome for a run that failed before or during the walk.
func Aborted(runID string, cause error) Outcome {
	return Outcome{RunID: runID, Status: StatusAborted, Cause: cause}
}

// ObjectStore is the slice of object storage the partitioner needs: a size
// probe and a ranged read. Errors are classified with the sentinels in
// pkg/errors (ErrNotFound, ErrAccessDenied, ErrTransientIO).
type ObjectStore interface {
	Size(ctx context.Context, sourceID, key string) (int64, error)
	ReadRange(ctx context.Context, sourceID, key string, offset, length int64) ([]byte, error)
}

// Sink receives the descriptors of a single run. Publish must not block on
// broker acknowledgement. Wait blocks until every published descriptor has
// settled (or ctx ends) and returns how many failed; descriptors still
// unsettled when ctx ends count as failed. Wait is called exactly once, after
// the last Publish.
type Sink interface {
	Publish(ctx context.Context, d Descriptor)
	Wait(ctx context.Context) uint32
}

// SinkFactory creates a fresh Sink per run so that failure counts never leak
// between concurrent runs.
type SinkFactory interface {
	NewSink(runID string) Sink
}
