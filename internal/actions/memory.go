package actions

import (
	"context"
	"sync"
)

// MemoryStore keeps reminders in process memory. It is the fallback when no
// DATABASE_URL is configured.
type MemoryStore struct {
	mu        sync.Mutex
	reminders []Reminder
	closed    bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) SaveReminder(_ context.Context, r Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.reminders = append(s.reminders, r)
	return nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 || limit > len(s.reminders) {
		limit = len(s.reminders)
	}
	out := make([]Reminder, limit)
	copy(out, s.reminders[len(s.reminders)-limit:])
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
