// Package objectstore serves size probes and ranged reads from any bucket
// reachable through gocloud.dev/blob (S3, GCS, local files, memory).
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/resilience"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/singleflight"
)

// Opener opens the bucket behind a source id.
type Opener func(ctx context.Context, sourceID string) (*blob.Bucket, error)

// URLOpener opens buckets by expanding a URL template such as
// "s3://{bucket}?region=us-east-1".
func URLOpener(bucketURL func(sourceID string) string) Opener {
	return func(ctx context.Context, sourceID string) (*blob.Bucket, error) {
		return blob.OpenBucket(ctx, bucketURL(sourceID))
	}
}

// Config tunes the store's fault handling.
type Config struct {
	ProbeTimeout     time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BlobStore implements partition.ObjectStore. Buckets are opened lazily and
// kept for the life of the store.
type BlobStore struct {
	open    Opener
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger

	opening singleflight.Group
	mu      sync.RWMutex
	buckets map[string]*blob.Bucket
}

// New creates a BlobStore. Only transient failures count against the
// circuit breaker; a missing object says nothing about the store's health.
func New(open Opener, cfg Config, m *metrics.Metrics) *BlobStore {
	breaker := resilience.NewCircuitBreaker("object-store", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		IsFailure:        apperrors.IsRetryable,
		OnStateChange: func(name string, to resilience.State) {
			m.BreakerState(name, int(to))
		},
	})
	return &BlobStore{
		open:    open,
		timeout: cfg.ProbeTimeout,
		breaker: breaker,
		logger:  slog.Default().With("component", "object-store"),
		buckets: make(map[string]*blob.Bucket),
	}
}

// bucket returns the cached bucket for sourceID, opening it once even when
// many runs ask at the same time.
func (s *BlobStore) bucket(ctx context.Context, sourceID string) (*blob.Bucket, error) {
	s.mu.RLock()
	b, ok := s.buckets[sourceID]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}
	v, err, _ := s.opening.Do(sourceID, func() (any, error) {
		s.mu.RLock()
		b, ok := s.buckets[sourceID]
		s.mu.RUnlock()
		if ok {
			return b, nil
		}
		b, err := s.open(ctx, sourceID)
		if err != nil {
			return nil, classify(err, sourceID, "")
		}
		s.mu.Lock()
		s.buckets[sourceID] = b
		s.mu.Unlock()
		s.logger.Info("opened bucket", "source_id", sourceID)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*blob.Bucket), nil
}

// Size returns the object's length in bytes.
func (s *BlobStore) Size(ctx context.Context, sourceID, key string) (int64, error) {
	var size int64
	err := s.guard(func() error {
		return resilience.WithTimeout(ctx, s.timeout, "size probe", func(ctx context.Context) error {
			b, err := s.bucket(ctx, sourceID)
			if err != nil {
				return err
			}
			attrs, err := b.Attributes(ctx, key)
			if err != nil {
				return classify(err, sourceID, key)
			}
			size = attrs.Size
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// ReadRange reads up to length bytes starting at offset. Fewer bytes are
// returned only when the object ends first.
func (s *BlobStore) ReadRange(ctx context.Context, sourceID, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, apperrors.InvalidInputf("invalid range offset=%d length=%d", offset, length)
	}
	var data []byte
	err := s.guard(func() error {
		b, err := s.bucket(ctx, sourceID)
		if err != nil {
			return err
		}
		r, err := b.NewRangeReader(ctx, key, offset, length, nil)
		if err != nil {
			return classify(err, sourceID, key)
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return classify(err, sourceID, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BlobStore) guard(fn func() error) error {
	err := s.breaker.Execute(fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fmt.Errorf("%w: %w", apperrors.ErrTransientIO, err)
	}
	return err
}

// Close closes every opened bucket.
func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, b := range s.buckets {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing bucket %s: %w", id, err))
		}
		delete(s.buckets, id)
	}
	return errors.Join(errs...)
}

// classify maps a driver error onto the application's error taxonomy.
func classify(err error, sourceID, key string) error {
	for _, known := range []error{
		apperrors.ErrNotFound,
		apperrors.ErrAccessDenied,
		apperrors.ErrTransientIO,
		apperrors.ErrInvalidInput,
		apperrors.ErrTimeout,
		apperrors.ErrCancelled,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	var sentinel error
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		sentinel = apperrors.ErrNotFound
	case gcerrors.PermissionDenied:
		sentinel = apperrors.ErrAccessDenied
	case gcerrors.InvalidArgument:
		sentinel = apperrors.ErrInvalidInput
	case gcerrors.DeadlineExceeded:
		sentinel = apperrors.ErrTimeout
	case gcerrors.Canceled:
		sentinel = apperrors.ErrCancelled
	default:
		sentinel = apperrors.ErrTransientIO
	}
	return fmt.Errorf("%w: %s/%s: %w", sentinel, sourceID, key, err)
}
