package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Invalidator records, per user, the instant after which previously issued
// tokens stop being honored. Auth middleware compares a token's issued-at
// claim against this watermark.
type Invalidator interface {
	// Invalidate rejects all tokens for the user issued before at.
	Invalidate(ctx context.Context, userID uuid.UUID, at time.Time) error

	// InvalidatedAt returns the user's watermark, or the zero time when
	// no invalidation has been recorded.
	InvalidatedAt(ctx context.Context, userID uuid.UUID) (time.Time, error)
}

// MemoryInvalidator keeps watermarks in process memory. Suitable for a
// single instance; multi-instance deployments should use the Redis store.
type MemoryInvalidator struct {
	mu         sync.RWMutex
	watermarks map[uuid.UUID]time.Time
}

func NewMemoryInvalidator() *MemoryInvalidator {
	return &MemoryInvalidator{watermarks: make(map[uuid.UUID]time.Time)}
}

func (m *MemoryInvalidator) Invalidate(_ context.Context, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.watermarks[userID]; ok && existing.After(at) {
		return nil
	}
	m.watermarks[userID] = at
	return nil
}

func (m *MemoryInvalidator) InvalidatedAt(_ context.Context, userID uuid.UUID) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks[userID], nil
}
