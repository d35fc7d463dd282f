package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
)

// =============================================================================
// Operational HTTP endpoint
// =============================================================================

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Config holds the operational listener settings.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" json:"addr"`

	// ReadTimeout bounds request reads.
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout bounds response writes.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout bounds keep-alive idling.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// ShutdownTimeout bounds graceful drain on Shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// CheckTimeout bounds each health check probe.
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// DefaultConfig returns the default operational listener settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":9091",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		CheckTimeout:    5 * time.Second,
	}
}

// FromServerConfig maps the engine's server section onto listener settings.
func FromServerConfig(sc config.ServerConfig) Config {
	cfg := DefaultConfig()
	if sc.MetricsPort > 0 {
		cfg.Addr = fmt.Sprintf(":%d", sc.MetricsPort)
	}
	if sc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = sc.ShutdownTimeout
	}
	return cfg
}

// Manager serves the operational endpoints: Prometheus metrics on /metrics
// and dependency health on /healthz. It never serves engine traffic; task
// requests enter through the coordinator API, not over HTTP.
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	cfg      Config
	logger   *zap.Logger

	mu     sync.RWMutex
	checks map[string]HealthCheck
	closed bool
}

// NewManager creates the operational endpoint manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		errCh:  make(chan error, 1),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ops_server")),
		checks: make(map[string]HealthCheck),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", m.handleHealth)

	m.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return m
}

// RegisterCheck adds a named dependency probe to /healthz. Registering the
// same name again replaces the probe.
func (m *Manager) RegisterCheck(name string, check HealthCheck) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Start begins serving in the background.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("ops server is closed")
	}
	if m.listener != nil {
		return fmt.Errorf("ops server already started")
	}

	listener, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	m.listener = listener
	m.logger.Info("starting ops server", zap.String("addr", listener.Addr().String()))

	go m.serve(listener)
	return nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		m.logger.Error("ops server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown drains in-flight requests and stops the listener. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.listener == nil {
		return nil
	}
	m.logger.Info("shutting down ops server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("ops server shutdown failed", zap.Error(err))
		return err
	}
	m.listener = nil

	m.logger.Info("ops server stopped")
	return nil
}

// Errors returns asynchronous serve failures.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr returns the bound listen address, or the configured one before Start.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.cfg.Addr
}

// IsRunning reports whether the manager has not been shut down.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth runs every registered probe under the check timeout and
// reports 503 when any dependency is unhealthy.
func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	timeout := m.cfg.CheckTimeout
	m.mu.RUnlock()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
	status := http.StatusOK
	for name, check := range checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
