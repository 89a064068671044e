package pool

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Manager 池管理器，管理多个命名池
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	closed atomic.Bool
}

// NewManager 创建新的池管理器
func NewManager() *Manager {
	return &Manager{
		pools: make(map[string]*Pool),
	}
}

// Register 注册新池
func (m *Manager) Register(name string, config *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return ErrPoolClosed
	}

	if _, exists := m.pools[name]; exists {
		return fmt.Errorf("%w: %s", ErrPoolAlreadyExists, name)
	}

	pool, err := NewPool(name, config)
	if err != nil {
		return err
	}

	m.pools[name] = pool
	return nil
}

// RegisterWithType 使用预定义类型注册池
func (m *Manager) RegisterWithType(poolType Type, config *Config) error {
	return m.Register(string(poolType), config)
}

// Get 获取指定名称的池
func (m *Manager) Get(name string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return nil, ErrPoolClosed
	}

	pool, exists := m.pools[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}

	return pool, nil
}

// GetByType 获取预定义类型的池
func (m *Manager) GetByType(poolType Type) (*Pool, error) {
	return m.Get(string(poolType))
}

// Stats 返回所有池的统计信息，按池名排序
func (m *Manager) Stats() []PoolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]PoolInfo, 0, len(m.pools))
	for name, pool := range m.pools {
		s := pool.Stats()
		infos = append(infos, PoolInfo{
			Name:           name,
			Running:        pool.Running(),
			Capacity:       pool.Cap(),
			Waiting:        pool.Waiting(),
			CompletedTasks: s.CompletedTasks,
			FailedTasks:    s.FailedTasks,
			RejectedTasks:  s.RejectedTasks,
			PanicRecovered: s.PanicRecovered,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// PoolInfo 池信息
type PoolInfo struct {
	Name           string `json:"name"`
	Running        int    `json:"running"`
	Capacity       int    `json:"capacity"`
	Waiting        int    `json:"waiting"`
	CompletedTasks int64  `json:"completed_tasks"`
	FailedTasks    int64  `json:"failed_tasks"`
	RejectedTasks  int64  `json:"rejected_tasks"`
	PanicRecovered int64  `json:"panic_recovered"`
}

// Close 释放所有池，之后的 Register/Get 返回 ErrPoolClosed
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed.Store(true)
	for _, pool := range m.pools {
		pool.Release()
	}
	m.pools = make(map[string]*Pool)
	return nil
}
