package storage

import (
	"context"
	"sync"
	"time"

	"github.com/DoyleJ11/puzzle-sync/internal/puzzle"
)

type memEntry struct {
	session   *puzzle.Session
	expiresAt time.Time
}

// Memory keeps sessions in process. It is the default backend and the one tests use.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memEntry
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, entries: map[string]memEntry{}}
}

func (m *Memory) Save(_ context.Context, s *puzzle.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{session: s.Clone()}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}
	m.entries[s.ID] = e
	return nil
}

func (m *Memory) Load(_ context.Context, id string) (*puzzle.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, id)
		return nil, ErrNotFound
	}
	return e.session.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) Close() error { return nil }
