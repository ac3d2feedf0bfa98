package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default sweep cadence for the in-memory store.
const (
	DefaultSweepEvery    = 100
	DefaultSweepInterval = time.Minute
)

type memoryWindow struct {
	count int
	reset time.Time
}

// MemoryStore is a process-local CounterStore. Expired windows are evicted
// opportunistically from the request path, never by a background goroutine.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	sweeper *rate.Sometimes
}

// MemoryStoreConfig tunes eviction of expired windows.
type MemoryStoreConfig struct {
	// SweepEvery runs a sweep on every Nth Increment. Default: 100.
	SweepEvery int
	// SweepInterval runs a sweep when this long has passed since the last one. Default: 1m.
	SweepInterval time.Duration
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore(cfg *MemoryStoreConfig) *MemoryStore {
	every := DefaultSweepEvery
	interval := DefaultSweepInterval
	if cfg != nil {
		if cfg.SweepEvery > 0 {
			every = cfg.SweepEvery
		}
		if cfg.SweepInterval > 0 {
			interval = cfg.SweepInterval
		}
	}

	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		sweeper: &rate.Sometimes{Every: every, Interval: interval},
	}
}

// Name implements CounterStore.
func (s *MemoryStore) Name() string {
	return "memory"
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(_ context.Context, key string, limit int, window time.Duration, now time.Time) (WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweeper.Do(func() { s.sweepLocked(now) })

	w, ok := s.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &memoryWindow{count: 1, reset: now.Add(window)}
		s.windows[key] = w
		return WindowState{Admitted: true, Count: 1, Reset: w.reset}, nil
	}

	if w.count < limit {
		w.count++
		return WindowState{Admitted: true, Count: w.count, Reset: w.reset}, nil
	}

	return WindowState{Admitted: false, Count: w.count, Reset: w.reset}, nil
}

// Sweep removes every window whose reset instant is not after now.
// It returns the number of evicted entries.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	evicted := 0
	for key, w := range s.windows {
		if !now.Before(w.reset) {
			delete(s.windows, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of tracked windows, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Reset drops all counters.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*memoryWindow)
}
