package statestore

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// DefaultTTL bounds how long a conversation record survives without writes.
	DefaultTTL = 60 * time.Minute
	// DefaultCapacity is a safety ceiling to prevent unbounded memory growth in
	// long-running processes. LRU eviction keeps the most recently used
	// entries within this limit.
	DefaultCapacity = 10000
	// cleanupTick is the interval between background expired-entry sweeps.
	cleanupTick = 30 * time.Second
)

type entry struct {
	value     string
	expiresAt time.Time
	listElem  *list.Element
}

// Memory is an in-process Store with TTL expiry and LRU eviction.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List
	ttl      time.Duration
	capacity int
	now      func() time.Time
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates an in-memory store with TTL and capacity limits.
// The caller must call Close to stop the background cleanup goroutine.
func NewMemory(ttl time.Duration, capacity int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Memory{
		entries:  make(map[string]*entry),
		lru:      list.New(),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *Memory) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	return nil
}

func (s *Memory) cleanupLoop() {
	defer close(s.done)
	ticker := time.NewTicker(cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.cleanupExpiredLocked(s.now())
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// Get returns the live value for key.
func (s *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return "", false, nil
	}
	s.lru.MoveToFront(e.listElem)
	return e.value, true, nil
}

// Set stores value under key for ttl.
func (s *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value, ttl)
	s.evictIfNeededLocked()
	return nil
}

// Del removes key.
func (s *Memory) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	return nil
}

// CompareAndSwap replaces the value of key only if it still equals prev.
// An empty prev matches a missing key.
func (s *Memory) CompareAndSwap(_ context.Context, key, prev, next string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := ""
	if e, ok := s.liveLocked(key); ok {
		current = e.value
	}
	if current != prev {
		return false, nil
	}
	s.putLocked(key, next, ttl)
	s.evictIfNeededLocked()
	return true, nil
}

// Len returns current entry count (for tests).
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Memory) liveLocked(key string) (*entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		s.removeLocked(key)
		return nil, false
	}
	return e, true
}

func (s *Memory) putLocked(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.value = value
	e.expiresAt = s.now().Add(ttl)
	if e.listElem != nil {
		s.lru.MoveToFront(e.listElem)
	} else {
		e.listElem = s.lru.PushFront(key)
	}
}

func (s *Memory) removeLocked(key string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	if e.listElem != nil {
		s.lru.Remove(e.listElem)
	}
	delete(s.entries, key)
}

func (s *Memory) cleanupExpiredLocked(now time.Time) {
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			if e.listElem != nil {
				s.lru.Remove(e.listElem)
			}
			delete(s.entries, key)
		}
	}
}

func (s *Memory) evictIfNeededLocked() {
	for len(s.entries) > s.capacity {
		back := s.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(string)
		s.lru.Remove(back)
		if e, ok := s.entries[key]; ok {
			e.listElem = nil
			delete(s.entries, key)
		}
	}
}
