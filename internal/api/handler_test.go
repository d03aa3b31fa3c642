package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/coordinator"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/health"
)

// stubDispatcher completes every run immediately with outcome, or fails the
// dispatch with err.
type stubDispatcher struct {
	outcome partition.Outcome
	err     error

	mu  sync.Mutex
	got []partition.RunRequest
}

func (s *stubDispatcher) dispatched() []partition.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]partition.RunRequest(nil), s.got...)
}

func (s *stubDispatcher) Dispatch(ctx context.Context, req partition.RunRequest, done func(partition.Outcome)) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.got = append(s.got, req)
	s.mu.Unlock()
	if done != nil {
		out := s.outcome
		out.RunID = req.RunID
		go done(out)
	}
	return nil
}

func newServer(t *testing.T, d Dispatcher, history coordinator.History) *httptest.Server {
	t.Helper()
	h := New(d, history, health.NewChecker(), time.Second)
	srv := httptest.NewServer(h.Routes(nil, time.Second, nil))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, decoded
}

func TestSubmitAsync(t *testing.T) {
	d := &stubDispatcher{}
	srv := newServer(t, d, coordinator.NewMemoryHistory())

	resp, body := post(t, srv.URL+"/api/v1/runs", `{"bucketName":"files","key":"transactions.txt","runId":"1762026767663"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["runId"] != "1762026767663" {
		t.Errorf("runId = %v", body["runId"])
	}
	if got := d.dispatched(); len(got) != 1 || got[0].ObjectKey != "transactions.txt" {
		t.Errorf("dispatched = %+v", got)
	}
}

func TestSubmitGeneratesRunID(t *testing.T) {
	d := &stubDispatcher{}
	srv := newServer(t, d, coordinator.NewMemoryHistory())

	_, body := post(t, srv.URL+"/api/v1/runs", `{"bucketName":"files","key":"transactions.txt"}`)
	id, _ := body["runId"].(string)
	if got := d.dispatched(); id == "" || len(got) != 1 || got[0].RunID != id {
		t.Fatalf("runId = %q, dispatched = %+v", id, got)
	}
}

func TestSubmitWait(t *testing.T) {
	tests := []struct {
		name    string
		outcome partition.Outcome
		want    int
	}{
		{"completed", partition.Outcome{Status: partition.StatusCompleted, PartitionCount: 3}, http.StatusOK},
		{"skipped", partition.Skipped("", partition.SkipAlreadyCompleted), http.StatusConflict},
		{"publish failure", partition.Aborted("", apperrors.ErrPublishFailure), http.StatusBadGateway},
		{"missing object", partition.Aborted("", apperrors.ErrNotFound), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, &stubDispatcher{outcome: tt.outcome}, coordinator.NewMemoryHistory())
			resp, body := post(t, srv.URL+"/api/v1/runs?wait=true", `{"bucketName":"files","key":"k","runId":"r1"}`)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.want, body)
			}
			if body["status"] != string(tt.outcome.Status) || body["runId"] != "r1" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

// pendingDispatcher accepts runs that never finish.
type pendingDispatcher struct{}

func (pendingDispatcher) Dispatch(ctx context.Context, req partition.RunRequest, done func(partition.Outcome)) error {
	return nil
}

func TestSubmitWaitOutlivedByRun(t *testing.T) {
	h := New(pendingDispatcher{}, coordinator.NewMemoryHistory(), health.NewChecker(), 20*time.Millisecond)
	srv := httptest.NewServer(h.Routes(nil, time.Second, nil))
	t.Cleanup(srv.Close)

	resp, body := post(t, srv.URL+"/api/v1/runs?wait=true", `{"bucketName":"files","key":"k","runId":"slow"}`)
	if resp.StatusCode != http.StatusAccepted || body["status"] != "RUNNING" || body["runId"] != "slow" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

func TestSubmitRejects(t *testing.T) {
	tests := []struct {
		name string
		d    *stubDispatcher
		body string
		want int
	}{
		{"malformed json", &stubDispatcher{}, `{"bucketName":`, http.StatusBadRequest},
		{"missing key", &stubDispatcher{}, `{"bucketName":"files"}`, http.StatusBadRequest},
		{"no run slot", &stubDispatcher{err: apperrors.ErrTimeout}, `{"bucketName":"files","key":"k"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.d, coordinator.NewMemoryHistory())
			resp, body := post(t, srv.URL+"/api/v1/runs", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if body["error"] == nil {
				t.Error("expected an error message")
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	history := coordinator.NewMemoryHistory()
	rec := coordinator.Record{RunID: "r1", SourceID: "files", ObjectKey: "k", Status: partition.StatusCompleted, PartitionCount: 3}
	if err := history.Record(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	srv := newServer(t, &stubDispatcher{}, history)

	resp, err := http.Get(srv.URL + "/api/v1/runs/r1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got coordinator.Record
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || got.Status != partition.StatusCompleted || got.PartitionCount != 3 {
		t.Errorf("status = %d record = %+v", resp.StatusCode, got)
	}

	missing, err := http.Get(srv.URL + "/api/v1/runs/nope")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", missing.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newServer(t, &stubDispatcher{}, coordinator.NewMemoryHistory())
	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}
