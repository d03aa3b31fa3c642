package tracing

import (
	"context"
	"testing"
)

func TestDisabledTracerHandsOutNilSpans(t *testing.T) {
	tr := NewTracer(false)
	ctx, root := tr.Start(context.Background(), "partition_run", "run-1")
	if root != nil {
		t.Fatal("expected nil root span when tracing is disabled")
	}
	_, child := StartChild(ctx, "size_probe")
	child.SetAttr("object_size", 10)
	child.End()
	tr.Finish(root)
}

func TestChildSpansAttachToRoot(t *testing.T) {
	tr := NewTracer(true)
	ctx, root := tr.Start(context.Background(), "partition_run", "run-1")
	_, probe := StartChild(ctx, "size_probe")
	probe.SetAttr("object_size", int64(10))
	probe.End()
	_, walk := StartChild(ctx, "boundary_walk")
	walk.End()
	tr.Finish(root)

	if len(root.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(root.Children))
	}
	if root.Children[0].TraceID != "run-1" {
		t.Errorf("child trace id = %q", root.Children[0].TraceID)
	}
	if root.Children[0].Attrs["object_size"] != int64(10) {
		t.Errorf("attr = %v", root.Children[0].Attrs["object_size"])
	}
}
