package dedup

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Memory is a process-local Store. Entries expire after the window and are
// dropped by Purge, which RunJanitor calls on a ticker.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	now     func() time.Time
}

func NewMemory(window time.Duration) *Memory {
	return &Memory{entries: make(map[string]time.Time), window: window, now: time.Now}
}

// WithClock swaps the time source; tests use it to move past the window.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if at, ok := m.entries[key]; ok && now.Sub(at) <= m.window {
		return false, nil
	}
	m.entries[key] = now
	return true, nil
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.entries[key]
	return ok && m.now().Sub(at) <= m.window, nil
}

// Purge drops expired entries and returns how many were removed.
func (m *Memory) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, at := range m.entries {
		if now.Sub(at) > m.window {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunJanitor purges on every tick until ctx is done.
func (m *Memory) RunJanitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Purge(); n > 0 {
				log.WithField("purged", n).Debug("dedup entries expired")
			}
		}
	}
}
