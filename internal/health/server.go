// Package health serves liveness, readiness and Prometheus endpoints for the
// local development server.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status represents health check status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	checkTimeout     = 2 * time.Second
	readinessTimeout = 3 * time.Second
)

// Check is the outcome of one dependency probe
type Check struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Message    string    `json:"message,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Report is the /health body
type Report struct {
	Status    Status           `json:"status"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Counters  map[string]int64 `json:"counters,omitempty"`
}

// Checker probes one dependency
type Checker func(ctx context.Context) (Status, string)

// Server exposes /health, /health/live, /health/ready and /metrics
type Server struct {
	version  string
	started  time.Time
	http     *http.Server
	counters func() map[string]int64
	ready    atomic.Bool

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewServer creates a health server listening on port. gatherer backs /metrics;
// counters, if not nil, is reported in the /health body.
func NewServer(port, version string, gatherer prometheus.Gatherer, counters func() map[string]int64) *Server {
	s := &Server{
		version:  version,
		started:  time.Now(),
		counters: counters,
		checkers: make(map[string]Checker),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes without a listener
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// RegisterChecker adds or replaces a named checker
func (s *Server) RegisterChecker(name string, checker Checker) {
	s.mu.Lock()
	s.checkers[name] = checker
	s.mu.Unlock()
}

// SetReady flips the readiness flag; /health/ready fails while it is false.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start blocks serving until Stop is called
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// RunChecks probes every registered dependency in parallel, each under its own timeout.
func (s *Server) RunChecks(ctx context.Context) map[string]Check {
	s.mu.RLock()
	pending := make(map[string]Checker, len(s.checkers))
	for name, c := range s.checkers {
		pending[name] = c
	}
	s.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]Check, len(pending))
	)
	for name, checker := range pending {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			status, msg := checker(checkCtx)
			check := Check{
				Name:       name,
				Status:     status,
				Message:    msg,
				DurationMs: time.Since(start).Milliseconds(),
				CheckedAt:  time.Now().UTC(),
			}

			mu.Lock()
			out[name] = check
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()
	return out
}

// aggregate returns the worst status and, when unhealthy, the first failing check.
func aggregate(checks map[string]Check) (Status, *Check) {
	status := StatusHealthy
	for _, c := range checks {
		switch c.Status {
		case StatusUnhealthy:
			failed := c
			return StatusUnhealthy, &failed
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.RunChecks(r.Context())
	status, _ := aggregate(checks)

	report := Report{
		Status:    status,
		Version:   s.version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}
	if s.counters != nil {
		report.Counters = s.counters()
	}

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if _, failed := aggregate(s.RunChecks(ctx)); failed != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": failed.Name + ": " + failed.Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// DynamoDBChecker reports unhealthy when ping fails
func DynamoDBChecker(ping func(context.Context) error) Checker {
	return func(ctx context.Context) (Status, string) {
		if err := ping(ctx); err != nil {
			return StatusUnhealthy, "DynamoDB unavailable: " + err.Error()
		}
		return StatusHealthy, "DynamoDB connected"
	}
}
