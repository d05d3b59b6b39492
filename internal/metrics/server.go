package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probe statuses. A degraded probe keeps the daemon reporting healthy
// but drops it out of the ready pool; a down probe fails both.
const (
	CheckOK       = "ok"
	CheckDegraded = "degraded"
	CheckDown     = "down"
)

// ServerConfig configures the observability endpoint.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
}

// DefaultServerConfig serves Prometheus metrics on :9090/metrics.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}

// HealthStatus is the health endpoint's response body.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check is one probe's result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes one dependency of the daemon: the broker
// session, the journal, the signal source. Probes must be fast and
// non-blocking; they run on every scrape.
type HealthChecker func() Check

// Server exposes the daemon's Prometheus metrics and health probes.
// Liveness only says the process runs; readiness requires every
// registered probe to pass, so an exchange disconnect pulls the daemon
// out of rotation without killing it mid-reconnect.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewServer builds the endpoint mux. Nothing listens until Start.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
		checkers:  make(map[string]HealthChecker),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// RegisterHealthCheck adds a named probe. Re-registering a name
// replaces the previous probe.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// Start binds the listener and serves in the background. The bind
// happens synchronously so a taken port fails startup instead of
// logging from a goroutine after the daemon is already trading.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	s.logger.Info("metrics server listening",
		"addr", ln.Addr().String(),
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight scrapes and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("metrics server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// runChecks snapshots the probes and aggregates the worst status.
func (s *Server) runChecks() (string, map[string]Check) {
	s.mu.RLock()
	checkers := make(map[string]HealthChecker, len(s.checkers))
	for name, c := range s.checkers {
		checkers[name] = c
	}
	s.mu.RUnlock()

	overall := CheckOK
	checks := make(map[string]Check, len(checkers))
	for name, checker := range checkers {
		check := checker()
		checks[name] = check
		switch check.Status {
		case CheckDown:
			overall = CheckDown
		case CheckOK:
		default:
			if overall == CheckOK {
				overall = CheckDegraded
			}
		}
	}
	return overall, checks
}

// healthHandler reports every probe with the daemon's uptime. Only a
// down probe turns the response into a 503; degraded stays 200 so
// dashboards can show partial trouble without paging.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	overall, checks := s.runChecks()

	w.Header().Set("Content-Type", "application/json")
	if overall == CheckDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(HealthStatus{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Checks:    checks,
	})
}

// readyHandler is the readiness probe: ready only when every probe is
// fully ok. A degraded broker session takes the daemon out of rotation.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	overall, _ := s.runChecks()
	if overall != CheckOK {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// liveHandler is the liveness probe: the process is up.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// Uptime returns how long the server has been up.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
