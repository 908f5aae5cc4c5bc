package session

import "sync"

// Subscriptions is the global resource subscription index mapping URIs to the
// sessions interested in them. A URI entry is removed once its set becomes
// empty, keeping the index the exact inverse of the per session subscription
// sets.
type Subscriptions struct {
	mux     sync.RWMutex
	entries map[string]map[string]struct{}
}

// NewSubscriptions creates an empty index.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{entries: map[string]map[string]struct{}{}}
}

// Add records sessionId as a subscriber of uri.
func (s *Subscriptions) Add(uri, sessionId string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	set, ok := s.entries[uri]
	if !ok {
		set = map[string]struct{}{}
		s.entries[uri] = set
	}
	set[sessionId] = struct{}{}
}

// Remove drops sessionId from uri's subscriber set.
func (s *Subscriptions) Remove(uri, sessionId string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	set, ok := s.entries[uri]
	if !ok {
		return
	}
	delete(set, sessionId)
	if len(set) == 0 {
		delete(s.entries, uri)
	}
}

// RemoveSession drops sessionId from every URI entry, e.g. on pause or eviction.
func (s *Subscriptions) RemoveSession(sessionId string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	for uri, set := range s.entries {
		delete(set, sessionId)
		if len(set) == 0 {
			delete(s.entries, uri)
		}
	}
}

// Subscribers returns the session ids subscribed to uri.
func (s *Subscriptions) Subscribers(uri string) []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	set, ok := s.entries[uri]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(set))
	for sessionId := range set {
		result = append(result, sessionId)
	}
	return result
}

// URIs returns the currently indexed resource URIs.
func (s *Subscriptions) URIs() []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	result := make([]string, 0, len(s.entries))
	for uri := range s.entries {
		result = append(result, uri)
	}
	return result
}

// Size returns the number of indexed URIs.
func (s *Subscriptions) Size() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.entries)
}
