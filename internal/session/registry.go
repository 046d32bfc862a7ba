package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Handle is the registry's view of a live call session.
type Handle interface {
	ID() string
	Shutdown(reason string)
	Done() <-chan struct{}
}

// Registry tracks every call session currently being served. It backs the
// health endpoint's active count and coordinates drain on shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Handle)}
}

func (r *Registry) Add(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[h.ID()] = h
}

// Remove drops a session from the registry. The second return reports
// whether this call was the one that removed it, so close hooks that fire
// from multiple paths still count each session once.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return ok
}

func (r *Registry) Get(id string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}

// Drain asks every registered session to stop and waits for them to finish,
// bounded by ctx. It returns the number of sessions that had not finished
// when the wait ended.
func (r *Registry) Drain(ctx context.Context, reason string) int {
	handles := r.snapshot()
	for _, h := range handles {
		h.Shutdown(reason)
	}

	finished := make(chan struct{}, len(handles))
	for _, h := range handles {
		go func(h Handle) {
			<-h.Done()
			finished <- struct{}{}
		}(h)
	}

	remaining := len(handles)
	for remaining > 0 {
		select {
		case <-finished:
			remaining--
		case <-ctx.Done():
			return remaining
		}
	}
	return remaining
}

// DrainTimeout is a convenience wrapper for Drain with a fixed wait.
func (r *Registry) DrainTimeout(timeout time.Duration, reason string) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Drain(ctx, reason)
}
