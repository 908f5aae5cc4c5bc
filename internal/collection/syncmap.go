package collection

import "sync"

// SyncMap is a typed wrapper around sync.Map.
type SyncMap[K comparable, V any] struct {
	m sync.Map
}

// Get returns the value stored under key.
func (s *SyncMap[K, V]) Get(key K) (V, bool) {
	value, ok := s.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return value.(V), true
}

// Put stores value under key.
func (s *SyncMap[K, V]) Put(key K, value V) {
	s.m.Store(key, value)
}

// GetOrPut returns the existing value for key if present, otherwise stores and returns value.
func (s *SyncMap[K, V]) GetOrPut(key K, value V) (V, bool) {
	actual, loaded := s.m.LoadOrStore(key, value)
	return actual.(V), loaded
}

// Delete removes key.
func (s *SyncMap[K, V]) Delete(key K) {
	s.m.Delete(key)
}

// Range calls f for each key/value pair until f returns false.
func (s *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	s.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Size returns the number of stored entries.
func (s *SyncMap[K, V]) Size() int {
	count := 0
	s.m.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// NewSyncMap creates a new SyncMap.
func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{}
}
