// Package server exposes the run pipeline over HTTP: run creation with a
// global throttle, per-run Server-Sent Event streams with full replay,
// results and status queries, and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Corvid-Labs/fixstream/internal/config"
	"github.com/Corvid-Labs/fixstream/internal/logger"
	"github.com/Corvid-Labs/fixstream/internal/run"
)

// ErrServerRunning is returned when attempting to start an already running
// server.
var ErrServerRunning = errors.New("server is already running")

// RunStarter launches pipeline execution for a freshly created run.
type RunStarter interface {
	Start(runID string)
}

// Server is the HTTP front of the process. It validates and admits new
// runs, hands them to the pipeline, and serves everything the registry
// knows over JSON and SSE.
type Server struct {
	cfg     *config.Config
	reg     *run.Registry
	starter RunStarter
	limiter *rate.Limiter
	metrics *Metrics

	httpServer *http.Server
	listener   net.Listener
	mu         sync.Mutex
	running    bool
}

// NewServer creates a server instance. It is initialized but not
// listening; use Start to begin serving.
func NewServer(cfg *config.Config, reg *run.Registry, starter RunStarter) *Server {
	return &Server{
		cfg:     cfg,
		reg:     reg,
		starter: starter,
		limiter: rate.NewLimiter(rate.Limit(cfg.Server.CreateRatePerSec), cfg.Server.CreateBurst),
		metrics: NewMetrics(),
	}
}

// Start begins listening for HTTP requests and serves until the provided
// context is canceled, then drains connections within the configured
// shutdown timeout. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return ctx.Err()
	default:
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	if s.cfg.Server.Port == 0 {
		// Let the OS pick a port; used by tests and local tooling.
		addr = "127.0.0.1:0"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.routes()}
	httpServer := s.httpServer
	s.mu.Unlock()

	logger.WithField("address", listener.Addr().String()).Info("Server listening")

	go func() {
		<-ctx.Done()
		logger.Info("Server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Error during server shutdown: %v", err)
		}
	}()

	err = httpServer.Serve(listener)

	s.mu.Lock()
	s.running = false
	s.listener = nil
	s.mu.Unlock()

	if err == http.ErrServerClosed {
		logger.Info("Server shut down gracefully")
	}
	return err
}

// routes wires every endpoint, wrapping each in the request-logging
// middleware and the streaming endpoints in its SSE variant.
func (s *Server) routes() *http.ServeMux {
	log := logger.GetLogger()
	middleware := logger.HTTPMiddleware(log)
	sse := logger.SSEMiddleware(log)

	mux := http.NewServeMux()
	mux.Handle("POST /runs", middleware(http.HandlerFunc(s.createRunHandler)))
	mux.Handle("GET /runs/{id}", middleware(http.HandlerFunc(s.runStatusHandler)))
	mux.Handle("GET /runs/{id}/results", middleware(http.HandlerFunc(s.runResultsHandler)))
	mux.Handle("GET /runs/{id}/events", sse(http.HandlerFunc(s.runEventsHandler)))
	mux.Handle("GET /health", middleware(http.HandlerFunc(s.healthHandler)))
	mux.Handle("GET /metrics", middleware(http.HandlerFunc(s.metricsHandler)))
	return mux
}

// Address returns the address the server is listening on, or an empty
// string when it is not running.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// respondJSON writes a JSON response with the given status code.
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

// respondWithError sends a JSON error body with the specified status code.
func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	if statusCode >= http.StatusInternalServerError {
		s.metrics.IncrementErrorCount()
	}
	s.respondJSON(w, statusCode, map[string]string{"error": message})
}
