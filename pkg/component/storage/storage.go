// Package storage defines the common contract of backing-store clients and a
// registry used for lifecycle management and health reporting.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClientAlreadyExists indicates a duplicate registration.
	ErrClientAlreadyExists = errors.New("storage client already exists")

	// ErrInvalidClient indicates an empty name or nil client.
	ErrInvalidClient = errors.New("invalid storage client")
)

// Client is the base interface implemented by every storage client.
type Client interface {
	// Name returns the storage type identifier (e.g. "redis").
	Name() string

	// Ping verifies the connection.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// HealthStatus is the result of a single health check.
type HealthStatus struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   error         `json:"-"`
}
