package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process store backing all three record kinds. Expired
// records are treated as absent and removed lazily on access or by Cleanup.
type Memory struct {
	mux     sync.RWMutex
	clients map[string]*ClientRegistration
	codes   map[string]*AuthCodeMapping
	tokens  map[string]*TokenMapping
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		clients: map[string]*ClientRegistration{},
		codes:   map[string]*AuthCodeMapping{},
		tokens:  map[string]*TokenMapping{},
	}
}

// SaveClient stores a copy of the registration.
func (m *Memory) SaveClient(ctx context.Context, client *ClientRegistration) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.clients[client.ClientID] = cloneClient(client)
	return nil
}

// Client returns a copy of the registration or ErrNotFound.
func (m *Memory) Client(ctx context.Context, clientID string) (*ClientRegistration, error) {
	m.mux.RLock()
	client, ok := m.clients[clientID]
	m.mux.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClient(client), nil
}

// SaveCode stores a copy of the code mapping.
func (m *Memory) SaveCode(ctx context.Context, mapping *AuthCodeMapping) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.codes[mapping.Code] = cloneCode(mapping)
	return nil
}

// ConsumeCode removes and returns the mapping. At most one caller wins a
// given code; later callers get ErrNotFound, as do callers after expiry.
func (m *Memory) ConsumeCode(ctx context.Context, code string) (*AuthCodeMapping, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	mapping, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.codes, code)
	if !mapping.ExpiresAt.IsZero() && !mapping.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	return cloneCode(mapping), nil
}

// SaveToken stores a copy of the token mapping under the supplied hash.
func (m *Memory) SaveToken(ctx context.Context, hash string, mapping *TokenMapping) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.tokens[hash] = cloneToken(mapping)
	return nil
}

// Token returns a copy of the mapping or ErrNotFound once expired.
func (m *Memory) Token(ctx context.Context, hash string) (*TokenMapping, error) {
	m.mux.RLock()
	mapping, ok := m.tokens[hash]
	m.mux.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !mapping.ExpiresAt.IsZero() && !mapping.ExpiresAt.After(time.Now()) {
		m.mux.Lock()
		delete(m.tokens, hash)
		m.mux.Unlock()
		return nil, ErrNotFound
	}
	return cloneToken(mapping), nil
}

// DeleteToken removes the mapping; deleting an absent hash is not an error.
func (m *Memory) DeleteToken(ctx context.Context, hash string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.tokens, hash)
	return nil
}

// Cleanup removes records expired as of now and reports how many it removed.
func (m *Memory) Cleanup(now time.Time) int {
	m.mux.Lock()
	defer m.mux.Unlock()
	removed := 0
	for code, mapping := range m.codes {
		if !mapping.ExpiresAt.IsZero() && !mapping.ExpiresAt.After(now) {
			delete(m.codes, code)
			removed++
		}
	}
	for hash, mapping := range m.tokens {
		if !mapping.ExpiresAt.IsZero() && !mapping.ExpiresAt.After(now) {
			delete(m.tokens, hash)
			removed++
		}
	}
	return removed
}

func cloneClient(client *ClientRegistration) *ClientRegistration {
	if client == nil {
		return nil
	}
	clone := *client
	clone.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	clone.GrantTypes = append([]string(nil), client.GrantTypes...)
	clone.ResponseTypes = append([]string(nil), client.ResponseTypes...)
	if client.Metadata != nil {
		clone.Metadata = make(map[string]string, len(client.Metadata))
		for k, v := range client.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneCode(mapping *AuthCodeMapping) *AuthCodeMapping {
	if mapping == nil {
		return nil
	}
	clone := *mapping
	return &clone
}

func cloneToken(mapping *TokenMapping) *TokenMapping {
	if mapping == nil {
		return nil
	}
	clone := *mapping
	return &clone
}
