package shield

import (
	"sync"
	"time"
)

type counterWindow struct {
	count int
	first time.Time
}

// InMemoryCounterStore backs the flood/brute-force windows and active blocks
// for a single instance. Keyed maps behind one RWMutex; blocks expire lazily
// on read and idle windows are reaped by the background sweep.
type InMemoryCounterStore struct {
	mu      sync.RWMutex
	windows map[string]*counterWindow
	blocks  map[string]*BlockInfo
	now     func() time.Time
}

func NewInMemoryCounterStore() *InMemoryCounterStore {
	return &InMemoryCounterStore{
		windows: make(map[string]*counterWindow),
		blocks:  make(map[string]*BlockInfo),
		now:     time.Now,
	}
}

func (s *InMemoryCounterStore) ConsumeWindow(key string, window time.Duration) (int, time.Time, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.first) >= window {
		w = &counterWindow{first: now}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.first, nil
}

func (s *InMemoryCounterStore) GetWindow(key string) (int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.windows[key]; ok {
		return w.count, w.first, nil
	}
	return 0, time.Time{}, nil
}

func (s *InMemoryCounterStore) ResetWindow(key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryCounterStore) SetBlock(key string, block *BlockInfo) error {
	s.mu.Lock()
	s.blocks[key] = block
	s.mu.Unlock()
	return nil
}

// GetBlock returns the active block for key, expiring lapsed blocks in place.
func (s *InMemoryCounterStore) GetBlock(key string) (*BlockInfo, error) {
	s.mu.RLock()
	block, ok := s.blocks[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if block.Expired(s.now()) {
		s.mu.Lock()
		delete(s.blocks, key)
		s.mu.Unlock()
		return nil, nil
	}
	return block, nil
}

func (s *InMemoryCounterStore) DeleteBlock(key string) error {
	s.mu.Lock()
	delete(s.blocks, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryCounterStore) Cleanup(maxAge time.Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.windows {
		if now.Sub(w.first) > maxAge {
			delete(s.windows, key)
		}
	}
	for key, block := range s.blocks {
		if block.Expired(now) {
			delete(s.blocks, key)
		}
	}
}

func (s *InMemoryCounterStore) HealthCheck() error { return nil }
