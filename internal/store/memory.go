package store

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

type memoryEntry struct {
	value     []byte
	list      [][]byte
	expiresAt time.Time
}

// MemoryStore keeps everything in process memory. Expiry is evaluated lazily
// on access against the injected clock, and Run sweeps stale keys.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.WithTicker
	entries map[string]*memoryEntry
}

// NewMemoryStore returns an empty store driven by clk.
func NewMemoryStore(clk clock.WithTicker) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		clock:   clk,
		entries: make(map[string]*memoryEntry),
	}
}

// Run sweeps expired keys every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// live returns the entry for key if present and unexpired. Callers hold mu.
func (s *MemoryStore) live(key string) (*memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !s.clock.Now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.entries[key] = &memoryEntry{value: clone(value), expiresAt: s.clock.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryEntry{value: clone(value), expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok || entry.value == nil {
		return nil, ErrNotFound
	}
	return clone(entry.value), nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Push(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	entry.list = append(entry.list, clone(value))
	entry.expiresAt = s.clock.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) PushFront(_ context.Context, key string, values [][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	list := make([][]byte, 0, len(values)+len(entry.list))
	for _, v := range values {
		list = append(list, clone(v))
	}
	entry.list = append(list, entry.list...)
	entry.expiresAt = s.clock.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Pop(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok || len(entry.list) == 0 {
		return nil, ErrNotFound
	}
	head := entry.list[0]
	entry.list[0] = nil
	entry.list = entry.list[1:]
	if len(entry.list) == 0 {
		delete(s.entries, key)
	}
	return head, nil
}

func (s *MemoryStore) Len(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return 0, nil
	}
	return len(entry.list), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
