package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/infra/pool"
)

// MockClient is a test implementation of the Client interface.
type MockClient struct {
	name    string
	healthy bool
	closed  bool
}

func (m *MockClient) Name() string {
	return m.name
}

func (m *MockClient) Ping(ctx context.Context) error {
	if !m.healthy {
		return context.DeadlineExceeded
	}
	return nil
}

func (m *MockClient) Close() error {
	m.closed = true
	return nil
}

// Compile-time check that MockClient implements Client.
var _ Client = (*MockClient)(nil)

func TestManagerRegistry(t *testing.T) {
	mgr := NewManager(nil)

	require.NoError(t, mgr.Register("document-db", &MockClient{name: "sqlite", healthy: true}))
	assert.True(t, errors.Is(mgr.Register("document-db", &MockClient{}), ErrClientAlreadyExists))
	assert.True(t, errors.Is(mgr.Register("", &MockClient{}), ErrInvalidClient))
	assert.True(t, errors.Is(mgr.Register("nil", nil), ErrInvalidClient))

	assert.Panics(t, func() { mgr.MustRegister("document-db", &MockClient{}) })
	assert.Len(t, mgr.HealthCheckAll(context.Background()), 1)
}

func TestManagerHealthCheckAll(t *testing.T) {
	tests := []struct {
		name string
		pool bool
	}{
		{"直接 goroutine", false},
		{"健康检查池", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hp *pool.Pool
			if tt.pool {
				var err error
				hp, err = pool.NewPool("health", pool.HealthCheckPoolConfig())
				require.NoError(t, err)
				defer hp.Release()
			}

			mgr := NewManager(hp)
			healthy := &MockClient{name: "redis", healthy: true}
			broken := &MockClient{name: "postgres", healthy: false}
			require.NoError(t, mgr.Register("query-cache", healthy))
			require.NoError(t, mgr.Register("vector-db", broken))

			statuses := mgr.HealthCheckAll(context.Background())
			require.Len(t, statuses, 2)
			assert.True(t, statuses["query-cache"].Healthy)
			assert.False(t, statuses["vector-db"].Healthy)
			assert.Error(t, statuses["vector-db"].Error)

			require.NoError(t, mgr.CloseAll())
			assert.True(t, healthy.closed)
			assert.True(t, broken.closed)
			assert.Empty(t, mgr.HealthCheckAll(context.Background()))
		})
	}
}
