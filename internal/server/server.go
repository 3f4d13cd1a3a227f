// Package server implements the HTTP servers for health checks, buffer
// inspection and metrics.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/pkg/buffer"
)

// HealthChecker interface for checking component health.
type HealthChecker interface {
	Liveness() bool
	Readiness(ctx context.Context) bool
	IsHealthy() bool
	GetStatus() map[string]string
}

// Config contains listener settings. Empty paths fall back to the
// defaults below.
type Config struct {
	HealthPort    int
	MetricsPort   int
	LivenessPath  string
	ReadinessPath string
	MetricsPath   string

	// EnableDebug mounts the buffer inspection endpoints on the health
	// server.
	EnableDebug bool
}

func (c Config) withDefaults() Config {
	if c.LivenessPath == "" {
		c.LivenessPath = "/health/live"
	}
	if c.ReadinessPath == "" {
		c.ReadinessPath = "/health/ready"
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	return c
}

// Server represents the HTTP server for health and metrics.
type Server struct {
	healthServer  *http.Server
	metricsServer *http.Server
	logger        *zap.Logger
}

// NewServer creates a new HTTP server. buf may be nil when debug
// endpoints are disabled.
func NewServer(
	config Config,
	healthChecker HealthChecker,
	buf buffer.Reader,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	config = config.withDefaults()

	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.HealthPort),
		Handler:      healthMux(config, healthChecker, buf, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle(config.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return &Server{
		healthServer:  healthServer,
		metricsServer: metricsServer,
		logger:        logger,
	}
}

func healthMux(config Config, checker HealthChecker, buf buffer.Reader, logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(config.LivenessPath, LivenessHandler(checker, logger))
	mux.HandleFunc(config.ReadinessPath, ReadinessHandler(checker, logger))

	if config.EnableDebug && buf != nil {
		mux.HandleFunc("GET /debug/buffer", SnapshotHandler(buf, logger))
		mux.HandleFunc("GET /debug/buffer/{key...}", EntryHandler(buf, logger))
		mux.HandleFunc("HEAD /debug/buffer/{key...}", HasHandler(buf))
	}
	return mux
}

// Start binds both listeners and serves them in the background. A port
// that cannot be bound is reported here rather than logged later.
func (s *Server) Start() error {
	healthLn, err := net.Listen("tcp", s.healthServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on health address %s: %w", s.healthServer.Addr, err)
	}
	metricsLn, err := net.Listen("tcp", s.metricsServer.Addr)
	if err != nil {
		_ = healthLn.Close()
		return fmt.Errorf("failed to listen on metrics address %s: %w", s.metricsServer.Addr, err)
	}

	go s.serve("health", s.healthServer, healthLn)
	go s.serve("metrics", s.metricsServer, metricsLn)
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	s.logger.Info("starting "+name+" server", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error(name+" server failed", zap.Error(err))
	}
}

// Shutdown gracefully shuts down both servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP servers")

	errChan := make(chan error, 2)

	go func() {
		errChan <- s.healthServer.Shutdown(ctx)
	}()

	go func() {
		errChan <- s.metricsServer.Shutdown(ctx)
	}()

	var lastErr error
	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			s.logger.Error("error shutting down server", zap.Error(err))
			lastErr = err
		}
	}

	return lastErr
}
