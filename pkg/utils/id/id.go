// Package id provides unique ID generation utilities.
//
// Two strategies are supported:
//   - UUID: Standard UUID v4 (random), used for request ids
//   - ULID: Universally Unique Lexicographically Sortable Identifier, used for document ids
//
// Usage:
//
//	rid := id.NewUUID() // e.g., "550e8400-e29b-41d4-a716-446655440000"
//	did := id.NewULID() // e.g., "01ARZ3NDEKTSV4RRFFQ69G5FAV"
package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// 单调熵源保证同一毫秒内生成的 ULID 也保持有序，需加锁使用。
var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewUUID generates a new UUID v4 string.
func NewUUID() string {
	return uuid.NewString()
}

// NewULID generates a new ULID string.
func NewULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
