package index

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryAvailabilitySet is an in-process AvailabilitySet kept as a sorted
// slice of keys. Scan cursors are the last key returned, so a scan walks the
// keys in order and never holds the lock across pages.
type MemoryAvailabilitySet struct {
	mu     sync.RWMutex
	keys   []string         // sorted
	scores map[string]int64 // unix ms of the first marking
	now    func() time.Time
}

// NewMemoryAvailabilitySet creates an empty set.
func NewMemoryAvailabilitySet(opts ...Option) *MemoryAvailabilitySet {
	o := buildOptions(opts)
	return &MemoryAvailabilitySet{
		scores: make(map[string]int64),
		now:    o.now,
	}
}

func (s *MemoryAvailabilitySet) MarkUnavailable(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(key, s.now().UnixMilli())
	return nil
}

func (s *MemoryAvailabilitySet) MarkAvailable(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key)
	return nil
}

func (s *MemoryAvailabilitySet) IsUnavailable(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scores[key]
	return ok, nil
}

func (s *MemoryAvailabilitySet) Unavailable(ctx context.Context, keys []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		_, out[k] = s.scores[k]
	}
	return out, nil
}

func (s *MemoryAvailabilitySet) MarkUnavailableBatch(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	score := s.now().UnixMilli()
	for _, k := range keys {
		s.add(k, score)
	}
	return nil
}

func (s *MemoryAvailabilitySet) MarkAvailableBatch(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.remove(k)
	}
	return nil
}

// Scan returns up to count keys strictly after cursor.
func (s *MemoryAvailabilitySet) Scan(ctx context.Context, cursor string, count int) ([]string, string, error) {
	if count <= 0 {
		count = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if cursor != "" {
		i, found := slices.BinarySearch(s.keys, cursor)
		if found {
			i++
		}
		start = i
	}
	end := min(start+count, len(s.keys))
	page := slices.Clone(s.keys[start:end])
	if end >= len(s.keys) {
		return page, "", nil
	}
	return page, page[len(page)-1], nil
}

// CheckStructure always succeeds: the in-process set cannot hold foreign data.
func (s *MemoryAvailabilitySet) CheckStructure(ctx context.Context) error {
	return nil
}

func (s *MemoryAvailabilitySet) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = nil
	s.scores = make(map[string]int64)
	return nil
}

// Len returns the number of members.
func (s *MemoryAvailabilitySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// add keeps the first score, like ZADD NX. Caller holds the write lock.
func (s *MemoryAvailabilitySet) add(key string, score int64) {
	if _, ok := s.scores[key]; ok {
		return
	}
	i, _ := slices.BinarySearch(s.keys, key)
	s.keys = slices.Insert(s.keys, i, key)
	s.scores[key] = score
}

// remove is a no-op for missing keys. Caller holds the write lock.
func (s *MemoryAvailabilitySet) remove(key string) {
	if _, ok := s.scores[key]; !ok {
		return
	}
	if i, found := slices.BinarySearch(s.keys, key); found {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
	delete(s.scores, key)
}
