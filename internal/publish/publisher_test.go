package publish

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
)

type message struct {
	key   string
	value []byte
	ack   func(error)
}

// fakeTransport records messages and leaves acking to the test unless
// autoAck is set.
type fakeTransport struct {
	mu       sync.Mutex
	messages []message
	autoAck  func(key string) error
	sendErr  map[string]error
}

func (f *fakeTransport) Send(ctx context.Context, key string, value []byte, ack func(error)) error {
	if err := f.sendErr[key]; err != nil {
		return err
	}
	f.mu.Lock()
	f.messages = append(f.messages, message{key, value, ack})
	f.mu.Unlock()
	if f.autoAck != nil {
		go ack(f.autoAck(key))
	}
	return nil
}

func (f *fakeTransport) sent() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.messages...)
}

func descriptor(seq int) partition.Descriptor {
	return partition.Descriptor{
		SourceID:       "files",
		ObjectKey:      "transactions.txt",
		StartByte:      int64(seq) * 100,
		EndByte:        int64(seq)*100 + 99,
		SequenceNumber: seq,
		RunID:          "run-1",
	}
}

func TestBatchAllAcked(t *testing.T) {
	tr := &fakeTransport{autoAck: func(string) error { return nil }}
	sink := NewPublisher(tr, nil).NewSink("run-1")
	for i := 0; i < 5; i++ {
		sink.Publish(context.Background(), descriptor(i))
	}
	if failed := sink.Wait(context.Background()); failed != 0 {
		t.Fatalf("failed = %d, want 0", failed)
	}

	msgs := tr.sent()
	if len(msgs) != 5 {
		t.Fatalf("sent %d messages, want 5", len(msgs))
	}
	var d partition.Descriptor
	if err := json.Unmarshal(msgs[3].value, &d); err != nil {
		t.Fatalf("decoding message: %v", err)
	}
	if msgs[3].key != "partition-3" || d != descriptor(3) {
		t.Errorf("message 3 = %s %+v", msgs[3].key, d)
	}
}

func TestBatchCountsNacksAndRejections(t *testing.T) {
	tr := &fakeTransport{
		autoAck: func(key string) error {
			if key == "partition-1" {
				return errors.New("not enough replicas")
			}
			return nil
		},
		sendErr: map[string]error{"partition-2": errors.New("writer closed")},
	}
	sink := NewPublisher(tr, nil).NewSink("run-1")
	for i := 0; i < 4; i++ {
		sink.Publish(context.Background(), descriptor(i))
	}
	if failed := sink.Wait(context.Background()); failed != 2 {
		t.Fatalf("failed = %d, want 2", failed)
	}
}

func TestBatchAckCountedOnce(t *testing.T) {
	tr := &fakeTransport{}
	sink := NewPublisher(tr, nil).NewSink("run-1")
	sink.Publish(context.Background(), descriptor(0))

	ack := tr.sent()[0].ack
	ack(errors.New("first"))
	ack(nil)
	ack(errors.New("again"))
	if failed := sink.Wait(context.Background()); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

func TestBatchWaitTimesOutOnUnsettled(t *testing.T) {
	tr := &fakeTransport{}
	sink := NewPublisher(tr, nil).NewSink("run-1")
	for i := 0; i < 3; i++ {
		sink.Publish(context.Background(), descriptor(i))
	}
	tr.sent()[0].ack(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if failed := sink.Wait(ctx); failed != 2 {
		t.Fatalf("failed = %d, want the 2 unsettled publishes", failed)
	}
}

func TestBatchWaitTimeoutLeavesNoGoroutine(t *testing.T) {
	tr := &fakeTransport{}
	sink := NewPublisher(tr, nil).NewSink("run-1")
	sink.Publish(context.Background(), descriptor(0))
	sink.Publish(context.Background(), descriptor(1))

	before := runtime.NumGoroutine()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if failed := sink.Wait(ctx); failed != 2 {
		t.Fatalf("failed = %d, want 2", failed)
	}
	if after := runtime.NumGoroutine(); after > before {
		t.Fatalf("goroutines grew from %d to %d across a timed-out Wait", before, after)
	}

	// Acks arriving after the run gave up must not block or panic.
	for _, m := range tr.sent() {
		m.ack(nil)
	}
}

func TestBatchWaitSeesAcksDeliveredBeforeIt(t *testing.T) {
	tr := &fakeTransport{}
	sink := NewPublisher(tr, nil).NewSink("run-1")
	for i := 0; i < 4; i++ {
		sink.Publish(context.Background(), descriptor(i))
	}
	for i, m := range tr.sent() {
		if i == 2 {
			m.ack(errors.New("nack"))
			continue
		}
		m.ack(nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if failed := sink.Wait(ctx); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

func TestSinksAreIndependent(t *testing.T) {
	tr := &fakeTransport{autoAck: func(string) error { return errors.New("broker down") }}
	p := NewPublisher(tr, nil)

	first := p.NewSink("run-1")
	first.Publish(context.Background(), descriptor(0))
	if failed := first.Wait(context.Background()); failed != 1 {
		t.Fatalf("first run failed = %d", failed)
	}

	tr.autoAck = func(string) error { return nil }
	second := p.NewSink("run-2")
	second.Publish(context.Background(), descriptor(0))
	if failed := second.Wait(context.Background()); failed != 0 {
		t.Fatalf("second run inherited failures: %d", failed)
	}
}
