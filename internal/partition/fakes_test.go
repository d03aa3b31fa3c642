package partition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
)

// syntheticStore serves an object of the given size whose bytes are 'x'
// except at the offsets listed in terminators. Nothing is materialised, so
// multi-hundred-megabyte objects cost nothing.
type syntheticStore struct {
	size        int64
	terminators map[int64]byte
	sizeErr     error
	// readErrs are returned, in order, by successive ReadRange calls.
	readErrs []error

	mu    sync.Mutex
	reads []int64
}

func newSyntheticStore(size int64, terminatorOffsets ...int64) *syntheticStore {
	s := &syntheticStore{size: size, terminators: make(map[int64]byte)}
	for _, off := range terminatorOffsets {
		s.terminators[off] = '\n'
	}
	return s
}

func (s *syntheticStore) Size(ctx context.Context, sourceID, key string) (int64, error) {
	if s.sizeErr != nil {
		return 0, s.sizeErr
	}
	return s.size, nil
}

func (s *syntheticStore) ReadRange(ctx context.Context, sourceID, key string, offset, length int64) ([]byte, error) {
	s.mu.Lock()
	s.reads = append(s.reads, offset)
	var err error
	if len(s.readErrs) > 0 {
		err = s.readErrs[0]
		s.readErrs = s.readErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+length > s.size {
		return nil, fmt.Errorf("%w: range %d+%d outside object of %d bytes", apperrors.ErrInvalidInput, offset, length, s.size)
	}
	buf := make([]byte, length)
	for i := range buf {
		if b, ok := s.terminators[offset+int64(i)]; ok {
			buf[i] = b
		} else {
			buf[i] = 'x'
		}
	}
	return buf, nil
}

func (s *syntheticStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

// recordingSink acknowledges publishes on a separate goroutine, failing the
// sequence numbers listed in fail.
type recordingSink struct {
	fail      map[int]bool
	onPublish func(Descriptor)

	mu          sync.Mutex
	descriptors []Descriptor
	wg          sync.WaitGroup
	failures    atomic.Uint32
	waited      atomic.Bool
}

func (s *recordingSink) Publish(ctx context.Context, d Descriptor) {
	s.mu.Lock()
	s.descriptors = append(s.descriptors, d)
	s.mu.Unlock()
	if s.onPublish != nil {
		s.onPublish(d)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.fail[d.SequenceNumber] {
			s.failures.Add(1)
		}
	}()
}

func (s *recordingSink) Wait(ctx context.Context) uint32 {
	s.waited.Store(true)
	s.wg.Wait()
	return s.failures.Load()
}

func (s *recordingSink) sorted() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Descriptor(nil), s.descriptors...)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

type recordingFactory struct {
	sink  *recordingSink
	calls int
}

func (f *recordingFactory) NewSink(runID string) Sink {
	f.calls++
	return f.sink
}

func newRecordingFactory(failSeqs ...int) *recordingFactory {
	fail := make(map[int]bool)
	for _, s := range failSeqs {
		fail[s] = true
	}
	return &recordingFactory{sink: &recordingSink{fail: fail}}
}
