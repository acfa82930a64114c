package response

import (
	"context"
	"sync"
	"time"
)

// CooldownStore coordinates response cooldowns across engine instances.
// Acquire records a firing and reports whether the response was outside its
// cooldown window.
type CooldownStore interface {
	Acquire(ctx context.Context, responseID string, cooldown time.Duration) (bool, error)
}

// MemoryCooldown is a process-local CooldownStore.
type MemoryCooldown struct {
	mu    sync.Mutex
	fired map[string]time.Time
}

// NewMemoryCooldown creates an empty in-memory cooldown store.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{
		fired: make(map[string]time.Time),
	}
}

// Acquire reports whether the cooldown has elapsed, recording the firing
// when it has.
func (m *MemoryCooldown) Acquire(_ context.Context, responseID string, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if cooldown > 0 {
		if last, ok := m.fired[responseID]; ok && now.Sub(last) < cooldown {
			return false, nil
		}
	}
	m.fired[responseID] = now
	return true, nil
}
