// Package api provides the HTTP management side-channel: health, status,
// Prometheus metrics, and debug endpoints. Object data never flows here;
// this surface exists because LIST and management operations are
// deliberately kept off the object socket.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/objmapper/objmapper/pkg/health"
	"github.com/objmapper/objmapper/pkg/status"
)

// ServerConfig configures the management API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server serves the management endpoints
type Server struct {
	httpServer     *http.Server
	config         ServerConfig
	reporter       *status.Reporter
	healthTracker  *health.Tracker
	metricsHandler http.Handler
	debugHandlers  map[string]http.HandlerFunc
}

// NewServer creates a management API server. The reporter is required;
// the health tracker and metrics handler may be nil.
func NewServer(config ServerConfig, reporter *status.Reporter, healthTracker *health.Tracker) *Server {
	if config.Address == "" {
		config = DefaultServerConfig()
	}
	return &Server{
		config:        config,
		reporter:      reporter,
		healthTracker: healthTracker,
		debugHandlers: make(map[string]http.HandlerFunc),
	}
}

// WithMetricsHandler mounts a Prometheus handler at /metrics.
func (s *Server) WithMetricsHandler(handler http.Handler) *Server {
	s.metricsHandler = handler
	return s
}

// AddDebugHandler mounts an extra handler under /debug/.
func (s *Server) AddDebugHandler(name string, handler http.HandlerFunc) {
	s.debugHandlers["/debug/"+name] = handler
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	for path, handler := range s.debugHandlers {
		mux.HandleFunc(path, handler)
	}

	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      mux,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		// Management API failure must not take the daemon down.
		_ = s.httpServer.ListenAndServe()
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the mux for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	for path, handler := range s.debugHandlers {
		mux.HandleFunc(path, handler)
	}
	return mux
}

// handleHealthz is the load-balancer probe: 200 while the daemon can
// serve, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := health.StateHealthy
	if s.healthTracker != nil {
		state = s.healthTracker.GetOverallHealth()
	}
	if state == health.StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	fmt.Fprintln(w, state.String())
}

// handleHealth returns the per-component health document.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"health": health.StateHealthy.String(),
	}
	if s.healthTracker != nil {
		doc["health"] = s.healthTracker.GetOverallHealth().String()
		doc["components"] = s.healthTracker.GetAllComponents()
	}
	writeJSON(w, doc)
}

// handleStatus returns the full daemon status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.reporter == nil {
		http.Error(w, "status reporter not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.reporter.Snapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
