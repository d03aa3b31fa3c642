package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
)

const mib = 1024 * 1024

func newTestPartitioner(store ObjectStore, sinks SinkFactory, target, window int64) *Partitioner {
	resolver := NewBoundaryResolver(store, BoundaryConfig{WindowBytes: window, Terminator: '\n', ReadAttempts: 1}, nil)
	return New(store, resolver, sinks, Config{TargetSizeBytes: target, SettleTimeout: 5 * time.Second}, nil)
}

type span struct{ start, end int64 }

func spans(ds []Descriptor) []span {
	out := make([]span, len(ds))
	for i, d := range ds {
		out[i] = span{d.StartByte, d.EndByte}
	}
	return out
}

// assertCoverage checks that the descriptors tile [0, size) exactly once.
func assertCoverage(t *testing.T, ds []Descriptor, size int64) {
	t.Helper()
	if len(ds) == 0 {
		t.Fatal("no partitions emitted")
	}
	var total int64
	for i, d := range ds {
		if d.SequenceNumber != i {
			t.Fatalf("partition %d has sequence %d", i, d.SequenceNumber)
		}
		if d.StartByte > d.EndByte {
			t.Fatalf("partition %d is inverted: %d > %d", i, d.StartByte, d.EndByte)
		}
		if i == 0 && d.StartByte != 0 {
			t.Fatalf("first partition starts at %d", d.StartByte)
		}
		if i > 0 && ds[i-1].EndByte+1 != d.StartByte {
			t.Fatalf("gap or overlap between partition %d (end %d) and %d (start %d)", i-1, ds[i-1].EndByte, i, d.StartByte)
		}
		total += d.Size()
	}
	if total != size {
		t.Fatalf("partitions cover %d bytes, object has %d", total, size)
	}
	if last := ds[len(ds)-1].EndByte; last != size-1 {
		t.Fatalf("last partition ends at %d, want %d", last, size-1)
	}
}

func TestRunThreePartitionScenario(t *testing.T) {
	const size = 106_428_389
	store := newSyntheticStore(size, 52_428_856, 104_857_712)
	sinks := newRecordingFactory()
	p := newTestPartitioner(store, sinks, 52_428_800, mib)

	out := p.Run(context.Background(), RunRequest{SourceID: "files", ObjectKey: "transactions.txt", RunID: "1762026767663"})
	if out.Status != StatusCompleted {
		t.Fatalf("status = %s, cause = %v", out.Status, out.Cause)
	}
	if out.PartitionCount != 3 || out.FailedPublishCount != 0 {
		t.Fatalf("outcome = %+v", out)
	}

	got := sinks.sink.sorted()
	want := []span{{0, 52_428_856}, {52_428_857, 104_857_712}, {104_857_713, 106_428_388}}
	if fmt.Sprint(spans(got)) != fmt.Sprint(want) {
		t.Fatalf("partitions = %v, want %v", spans(got), want)
	}
	for i, d := range got {
		if d.RunID != "1762026767663" || d.SourceID != "files" || d.ObjectKey != "transactions.txt" {
			t.Errorf("partition %d has wrong identity: %+v", i, d)
		}
	}
	assertCoverage(t, got, size)
	if reads := store.readCount(); reads != 2 {
		t.Errorf("boundary probes = %d, want 2 (last partition needs none)", reads)
	}
}

func TestRunObjectSmallerThanTarget(t *testing.T) {
	store := newSyntheticStore(10)
	sinks := newRecordingFactory()
	p := newTestPartitioner(store, sinks, 52_428_800, mib)

	out := p.Run(context.Background(), RunRequest{SourceID: "files", ObjectKey: "tiny.txt", RunID: "r"})
	if out.Status != StatusCompleted || out.PartitionCount != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	got := sinks.sink.sorted()
	if len(got) != 1 || got[0].StartByte != 0 || got[0].EndByte != 9 {
		t.Fatalf("partitions = %v, want [{0 9}]", spans(got))
	}
	if store.readCount() != 0 {
		t.Errorf("expected no boundary probe, got %d", store.readCount())
	}
}

func TestRunExactMultipleOfTarget(t *testing.T) {
	const target = 100
	store := newSyntheticStore(3*target, target-1, 2*target-1, 3*target-1)
	sinks := newRecordingFactory()
	p := newTestPartitioner(store, sinks, target, 16)

	out := p.Run(context.Background(), RunRequest{SourceID: "b", ObjectKey: "k", RunID: "r"})
	if out.Status != StatusCompleted || out.PartitionCount != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	assertCoverage(t, sinks.sink.sorted(), 3*target)
}

func TestRunCoverageAndAlignment(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		size := int64(1 + rng.Intn(5000))
		target := int64(1 + rng.Intn(700))
		window := int64(8 + rng.Intn(64))

		// A terminator every few bytes guarantees one inside every window.
		var terms []int64
		for off := int64(rng.Intn(4)); off < size; off += int64(1 + rng.Intn(int(window)/2)) {
			terms = append(terms, off)
		}
		store := newSyntheticStore(size, terms...)
		sinks := newRecordingFactory()
		p := newTestPartitioner(store, sinks, target, window)

		out := p.Run(context.Background(), RunRequest{SourceID: "b", ObjectKey: "k", RunID: fmt.Sprint(trial)})
		if out.Status != StatusCompleted {
			t.Fatalf("trial %d: status = %s cause = %v", trial, out.Status, out.Cause)
		}
		if len(out.BoundaryWarnings) != 0 {
			t.Fatalf("trial %d: unexpected warnings %+v", trial, out.BoundaryWarnings)
		}
		got := sinks.sink.sorted()
		assertCoverage(t, got, size)
		if out.PartitionCount != len(got) {
			t.Fatalf("trial %d: count %d, emitted %d", trial, out.PartitionCount, len(got))
		}
		for i, d := range got[:len(got)-1] {
			if store.terminators[d.EndByte] != '\n' {
				t.Fatalf("trial %d: partition %d ends at %d, which is not a terminator", trial, i, d.EndByte)
			}
		}
	}
}

func TestRunRecordWiderThanWindowDegrades(t *testing.T) {
	const (
		target = 100
		window = 16
		size   = 400
	)
	// The first cut has no terminator within reach; the second does.
	store := newSyntheticStore(size, 220)
	sinks := newRecordingFactory()
	p := newTestPartitioner(store, sinks, target, window)

	out := p.Run(context.Background(), RunRequest{SourceID: "b", ObjectKey: "k", RunID: "r"})
	if out.Status != StatusCompleted {
		t.Fatalf("degraded boundary must not abort: %+v", out)
	}
	got := sinks.sink.sorted()
	assertCoverage(t, got, size)
	if got[0].EndByte != target-1+window-1 {
		t.Errorf("first partition ends at %d, want window fallback %d", got[0].EndByte, target-1+window-1)
	}
	if len(out.BoundaryWarnings) == 0 {
		t.Fatal("expected a boundary warning")
	}
	w := out.BoundaryWarnings[0]
	if w.Kind != WarningBoundaryNotFound || w.Sequence != 0 || w.ProposedEnd != target-1 {
		t.Errorf("warning = %+v", w)
	}
}

func TestRunProbeFailureDegrades(t *testing.T) {
	store := newSyntheticStore(300, 120, 250)
	store.readErrs = []error{fmt.Errorf("%w: socket closed", apperrors.ErrTransientIO)}
	sinks := newRecordingFactory()
	p := newTestPartitioner(store, sinks, 100, 64)

	out := p.Run(context.Background(), RunRequest{SourceID: "b", ObjectKey: "k", RunID: "r"})
	if out.Status != StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	got := sinks.sink.sorted()
	assertCoverage(t, got, 300)
	if got[0].EndByte != 99 {
		t.Errorf("first partition should end unaligned at 99, got %d", got[0].EndByte)
	}
	if len(out.BoundaryWarnings) != 1 || out.BoundaryWarnings[0].Kind != WarningProbeFailed {
		t.Errorf("warnings = %+v", out.BoundaryWarnings)
	}
}

func TestRunAbortsWhenAnyPublishFails(t *testing.T) {
	store := newSyntheticStore(1000)
	sinks := newRecordingFactory(3)
	p := newTestPartitioner(store, sinks, 100, 8)

	out := p.Run(context.Background(), RunRequest{SourceID: "b", ObjectKey: "k", RunID: "r"})
	if out.Status != StatusAborted {
		t.Fatalf("status = %s, want aborted", out.Status)
	}
	if out.PartitionCount != 10 {
		t.Errorf("partition count = %d, want 10", out.PartitionCount)
	}
	if out.FailedPublishCount < 1 {
		t.Errorf("failed publish count = %d", out.FailedPublishCount)
	}
	if !errors.Is(out.Cause, apperrors.ErrPublishFailure) {
		t.Errorf("cause = %v, want ErrPublishFailure", out.Cause)
	}
	if !sinks.sink.waited.Load() {
		t.Error("sink was never settled")
	}
}

func TestRunRejectsEmptyObject(t *testing.T) {
	store := newSyntheticStore(0)
	sinks := newRecordingFactory()
	p := newTestPartitioner(store, sinks, 100, 8)

	out := p.Run(context.Background(), RunRequest{SourceID: "b", ObjectKey: "empty.txt", RunID: "r"})
	if out.Status != StatusAborted || !errors.Is(out.Cause, apperrors.ErrInvalidInput) {
		t.Fatalf("outcome = %+v cause = %v", out, out.Cause)
	}
	if out.PartitionCount != 0 || sinks.calls != 0 {
		t.Errorf("empty object must not reach the sink: count=%d sinks=%d", out.PartitionCount, sinks.calls)
	}
}

func TestRunSurfacesStorageErrors(t *testing.T) {
	for _, sentinel := range []error{apperrors.ErrNotFound, apperrors.ErrAccessDenied, apperrors.ErrTransientIO} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			store := newSyntheticStore(100)
			store.sizeErr = fmt.Errorf("%w: head object", sentinel)
			sinks := newRecordingFactory()
			p := newTestPartitioner(store, sinks, 10, 8)

			out := p.Run(context.Background(), RunRequest{SourceID: "b", ObjectKey: "k", RunID: "r"})
			if out.Status != StatusAborted || !errors.Is(out.Cause, sentinel) {
				t.Fatalf("outcome = %+v cause = %v", out, out.Cause)
			}
			if sinks.calls != 0 {
				t.Error("sink created for a run that never probed its size")
			}
		})
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	p := newTestPartitioner(newSyntheticStore(10), newRecordingFactory(), 10, 8)
	out := p.Run(context.Background(), RunRequest{SourceID: "b", ObjectKey: " ", RunID: ""})
	if out.Status != StatusAborted || !errors.Is(out.Cause, apperrors.ErrInvalidInput) {
		t.Fatalf("outcome = %+v cause = %v", out, out.Cause)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	store := newSyntheticStore(1000)
	sinks := newRecordingFactory()
	ctx, cancel := context.WithCancel(context.Background())
	sinks.sink.onPublish = func(d Descriptor) {
		if d.SequenceNumber == 2 {
			cancel()
		}
	}
	p := newTestPartitioner(store, sinks, 100, 8)

	out := p.Run(ctx, RunRequest{SourceID: "b", ObjectKey: "k", RunID: "r"})
	if out.Status != StatusAborted || !errors.Is(out.Cause, apperrors.ErrCancelled) {
		t.Fatalf("outcome = %+v cause = %v", out, out.Cause)
	}
	if out.PartitionCount != 3 {
		t.Errorf("partition count = %d, want 3", out.PartitionCount)
	}
	if !sinks.sink.waited.Load() {
		t.Error("cancelled run must still settle its sink")
	}
}

func TestDescriptorWireFormat(t *testing.T) {
	d := Descriptor{
		SourceID:       "files",
		ObjectKey:      "transactions.txt",
		StartByte:      0,
		EndByte:        52428799,
		SequenceNumber: 0,
		RunID:          "1762026767663",
	}
	got, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"bucketName":"files","key":"transactions.txt","startByte":0,"endByte":52428799,"partitionNumber":0,"jobExecutionId":"1762026767663"}`
	if string(got) != want {
		t.Errorf("wire format\n got %s\nwant %s", got, want)
	}
	if d.Key() != "partition-0" {
		t.Errorf("key = %q", d.Key())
	}
}

func TestOutcomeJSONCarriesCause(t *testing.T) {
	out := Aborted("r", fmt.Errorf("%w: 2 of 5 partitions", apperrors.ErrPublishFailure))
	out.PartitionCount = 5
	out.FailedPublishCount = 2
	out.Duration = 1500 * time.Millisecond

	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["cause"] != "partition publish failed: 2 of 5 partitions" {
		t.Errorf("cause = %v", decoded["cause"])
	}
	if decoded["status"] != "ABORTED" || decoded["durationMs"] != float64(1500) {
		t.Errorf("decoded = %v", decoded)
	}
}
