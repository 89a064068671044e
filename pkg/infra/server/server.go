package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kart-io/logger"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// DefaultShutdownTimeout bounds graceful shutdown when none is configured.
const DefaultShutdownTimeout = 30 * time.Second

// Manager runs a set of Runnables with a unified lifecycle.
// Servers start in registration order and stop in reverse order.
type Manager struct {
	shutdownTimeout time.Duration

	mu      sync.Mutex
	servers []Runnable
	started []Runnable
}

// NewManager creates a new server manager.
func NewManager(shutdownTimeout time.Duration) *Manager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Manager{shutdownTimeout: shutdownTimeout}
}

// AddServer adds a server to the manager.
func (m *Manager) AddServer(server Runnable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, server)
}

// Start starts all servers. If one fails, the ones already started are stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started != nil {
		return fmt.Errorf("server manager already started")
	}
	m.started = make([]Runnable, 0, len(m.servers))

	for _, srv := range m.servers {
		if err := srv.Start(ctx); err != nil {
			m.stopLocked(ctx)
			return fmt.Errorf("failed to start server %s: %w", srv.Name(), err)
		}
		m.started = append(m.started, srv)
		logger.Infow("Server started", "name", srv.Name())
	}
	return nil
}

// Stop stops all started servers gracefully.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		srv := m.started[i]
		if err := srv.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop server %s: %w", srv.Name(), err))
			continue
		}
		logger.Infow("Server stopped", "name", srv.Name())
	}
	m.started = m.started[:0]
	return utilerrors.NewAggregate(errs)
}

// Run starts all servers, blocks until ctx is done, then shuts down within
// the configured timeout.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	logger.Info("All servers ready")

	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout)
	defer cancel()
	return m.Stop(shutdownCtx)
}
