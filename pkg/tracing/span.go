// Package tracing provides a lightweight span-based tracing system that
// propagates trace context through Go contexts. A partitioning run is one
// trace: the root span covers the run and children cover the size probe,
// the boundary walk and the publish settle. Finished trees are logged as
// structured records via slog.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span represents a timed operation within a trace. All methods are safe on a
// nil *Span so callers never need to check whether tracing is on.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	Duration  time.Duration
	Children  []*Span
	Attrs     map[string]any
	mu        sync.Mutex
}

// Tracer starts root spans. A disabled Tracer hands out nil spans.
type Tracer struct {
	enabled bool
	logger  *slog.Logger
}

// NewTracer creates a Tracer. When enabled is false every span is nil.
func NewTracer(enabled bool) *Tracer {
	return &Tracer{
		enabled: enabled,
		logger:  slog.Default().With("component", "tracing"),
	}
}

// Start creates a root span keyed by traceID and stores it in the returned
// context.
func (t *Tracer) Start(ctx context.Context, name, traceID string) (context.Context, *Span) {
	if t == nil || !t.enabled {
		return ctx, nil
	}
	span := newSpan(name, traceID)
	return context.WithValue(ctx, contextKey{}, span), span
}

// StartChild creates a child of the span in ctx. Without a parent it returns
// ctx unchanged and a nil span.
func StartChild(ctx context.Context, name string) (context.Context, *Span) {
	parent := FromContext(ctx)
	if parent == nil {
		return ctx, nil
	}
	child := newSpan(name, parent.TraceID)
	parent.mu.Lock()
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()
	return context.WithValue(ctx, contextKey{}, child), child
}

func newSpan(name, traceID string) *Span {
	return &Span{
		Name:      name,
		TraceID:   traceID,
		StartTime: time.Now(),
		Attrs:     make(map[string]any),
	}
}

// FromContext extracts the current Span from ctx, or nil if none.
func FromContext(ctx context.Context) *Span {
	if span, ok := ctx.Value(contextKey{}).(*Span); ok {
		return span
	}
	return nil
}

// End records the span's duration.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.Duration = time.Since(s.StartTime)
	s.mu.Unlock()
}

// SetAttr attaches a key-value attribute to the span.
func (s *Span) SetAttr(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.Attrs[key] = value
	s.mu.Unlock()
}

// Finish ends the root span and logs the whole tree.
func (t *Tracer) Finish(s *Span) {
	if s == nil {
		return
	}
	s.End()
	s.log(t.logger, 0)
}

func (s *Span) log(logger *slog.Logger, depth int) {
	s.mu.Lock()
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
		"depth", depth,
	}
	for k, v := range s.Attrs {
		attrs = append(attrs, k, v)
	}
	children := append([]*Span(nil), s.Children...)
	s.mu.Unlock()

	logger.Info("span", attrs...)
	for _, child := range children {
		child.log(logger, depth+1)
	}
}
