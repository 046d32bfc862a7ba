package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	id   string
	done chan struct{}

	mu        sync.Mutex
	shutdowns []string
	finishOn  bool
}

func newFakeHandle(id string, finishOnShutdown bool) *fakeHandle {
	return &fakeHandle{id: id, done: make(chan struct{}), finishOn: finishOnShutdown}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Shutdown(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdowns = append(h.shutdowns, reason)
	if h.finishOn && len(h.shutdowns) == 1 {
		close(h.done)
	}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	h := newFakeHandle("s1", true)
	r.Add(h)

	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	got, err := r.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID() != "s1" {
		t.Fatalf("Get().ID() = %q, want s1", got.ID())
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryRemoveReportsFirstCallOnly(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeHandle("s1", true))

	const workers = 8
	removed := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			removed <- r.Remove("s1")
		}()
	}
	wg.Wait()
	close(removed)

	count := 0
	for ok := range removed {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("Remove succeeded %d times, want 1", count)
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestRegistryDrainStopsAllSessions(t *testing.T) {
	r := NewRegistry()
	h1 := newFakeHandle("s1", true)
	h2 := newFakeHandle("s2", true)
	r.Add(h1)
	r.Add(h2)

	remaining := r.Drain(context.Background(), "shutdown")
	if remaining != 0 {
		t.Fatalf("Drain() = %d remaining, want 0", remaining)
	}
	for _, h := range []*fakeHandle{h1, h2} {
		h.mu.Lock()
		shutdowns := len(h.shutdowns)
		reason := h.shutdowns[0]
		h.mu.Unlock()
		if shutdowns != 1 || reason != "shutdown" {
			t.Fatalf("handle %s shutdowns = %d (%q), want 1 (shutdown)", h.id, shutdowns, reason)
		}
	}
}

func TestRegistryDrainBoundedByContext(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeHandle("fast", true))
	r.Add(newFakeHandle("stuck", false))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	remaining := r.Drain(ctx, "shutdown")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Drain took %v, want bounded by context", elapsed)
	}
	if remaining != 1 {
		t.Fatalf("Drain() = %d remaining, want 1", remaining)
	}
}
