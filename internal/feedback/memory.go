package feedback

import (
	"context"
	"strings"
	"sync"
	"time"

	"insight-resolver/internal/modal"
)

// MemoryBackend keeps feedback for the lifetime of the process. Latency, when
// set, is waited before every call to mimic a remote service.
type MemoryBackend struct {
	mu      sync.RWMutex
	items   map[string]modal.Feedback
	latency time.Duration
}

func NewMemoryBackend(latency time.Duration) *MemoryBackend {
	return &MemoryBackend{items: make(map[string]modal.Feedback), latency: latency}
}

func (m *MemoryBackend) Put(ctx context.Context, key string, fb modal.Feedback) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = fb.Clone()
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (modal.Feedback, bool, error) {
	if err := m.wait(ctx); err != nil {
		return modal.Feedback{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fb, ok := m.items[key]
	return fb.Clone(), ok, nil
}

func (m *MemoryBackend) ListByPrefix(ctx context.Context, prefix string) (map[string]modal.Feedback, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]modal.Feedback)
	for k, v := range m.items {
		if strings.HasPrefix(k, prefix) {
			out[k] = v.Clone()
		}
	}
	return out, nil
}

func (m *MemoryBackend) wait(ctx context.Context) error {
	if m.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(m.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
