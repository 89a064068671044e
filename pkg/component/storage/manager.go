package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kart-io/sentinel-rag/pkg/infra/pool"
)

// Manager 持有服务打开的全部后端连接（文档目录、查询缓存、向量索引），
// 供 /healthz 并发检查，并在关闭时统一释放。并发安全。
type Manager struct {
	mu      sync.RWMutex
	clients map[string]Client
	pool    *pool.Pool
}

// NewManager creates a manager. healthPool is optional; when nil health
// checks run on plain goroutines.
func NewManager(healthPool *pool.Pool) *Manager {
	return &Manager{
		clients: make(map[string]Client),
		pool:    healthPool,
	}
}

// Register adds client under a role name such as "document-db".
func (m *Manager) Register(name string, client Client) error {
	if name == "" || client == nil {
		return fmt.Errorf("%w: name and client are required", ErrInvalidClient)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[name]; exists {
		return fmt.Errorf("%w: %s", ErrClientAlreadyExists, name)
	}
	m.clients[name] = client
	return nil
}

// MustRegister is Register for startup code, where a duplicate name is a bug.
func (m *Manager) MustRegister(name string, client Client) {
	if err := m.Register(name, client); err != nil {
		panic(fmt.Sprintf("failed to register storage client: %v", err))
	}
}

// HealthCheckAll pings every registered client concurrently.
// 优先使用健康检查池，池满时退回普通 goroutine。
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	m.mu.RLock()
	clients := make(map[string]Client, len(m.clients))
	for name, client := range m.clients {
		clients[name] = client
	}
	m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(clients))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, client := range clients {
		wg.Add(1)
		check := func() {
			defer wg.Done()
			start := time.Now()
			err := client.Ping(ctx)
			st := HealthStatus{Name: name, Healthy: err == nil, Latency: time.Since(start), Error: err}

			mu.Lock()
			statuses[name] = st
			mu.Unlock()
		}

		if m.pool == nil || m.pool.Submit(check) != nil {
			go check()
		}
	}

	wg.Wait()
	return statuses
}

// CloseAll closes and forgets every client, continuing past failures.
// The first error is returned.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, client := range m.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close client %q: %w", name, err)
		}
		delete(m.clients, name)
	}
	return firstErr
}
