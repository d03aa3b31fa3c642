// Package health aggregates dependency checks (Postgres, Redis, broker) into
// liveness and readiness endpoints. Readiness also fails once the service
// starts draining so load balancers stop routing new runs to it.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) worse(than Status) bool {
	rank := map[Status]int{StatusUp: 0, StatusDegraded: 1, StatusDown: 2}
	return rank[s] > rank[than]
}

// Check probes a single dependency.
type Check func(ctx context.Context) ComponentHealth

// PingCheck adapts a dependency's Ping method into a Check. A failing ping
// marks the component down; a ping slower than slow marks it degraded.
func PingCheck(ping func(ctx context.Context) error, slow time.Duration) Check {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		if slow > 0 && time.Since(start) > slow {
			return ComponentHealth{Status: StatusDegraded, Message: "slow response"}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Draining   bool                       `json:"draining,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Checker runs registered checks concurrently, each under checkTimeout.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]Check
	checkTimeout time.Duration
	draining     atomic.Bool
	logger       *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		checks:       make(map[string]Check),
		checkTimeout: 2 * time.Second,
		logger:       slog.Default().With("component", "health"),
	}
}

// Register adds or replaces a named check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetDraining makes every later readiness probe fail.
func (c *Checker) SetDraining() {
	if !c.draining.Swap(true) {
		c.logger.Info("readiness withdrawn, draining")
	}
}

// Run executes every check and reports the worst component status.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	var mu sync.Mutex
	components := make(map[string]ComponentHealth, len(checks))
	var g errgroup.Group
	for name, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
			defer cancel()
			start := time.Now()
			result := check(cctx)
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			mu.Lock()
			components[name] = result
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	report := Report{
		Status:     StatusUp,
		Draining:   c.draining.Load(),
		Components: components,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for name, comp := range components {
		if comp.Status.worse(report.Status) {
			report.Status = comp.Status
		}
		if comp.Status != StatusUp {
			c.logger.Warn("dependency unhealthy", "dependency", name, "status", comp.Status, "message", comp.Message)
		}
	}
	return report
}

// LiveHandler answers 200 while the process is serving.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers 200 only when every dependency is up and the service
// is not draining.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		code := http.StatusOK
		if report.Status != StatusUp || report.Draining {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
