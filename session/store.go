package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/viant/mcp/internal/collection"
)

// ErrNotFound is returned when a session id has no durable record.
var ErrNotFound = errors.New("session not found")

// Store abstracts session persistence. The default implementation is in-memory;
// custom stores can implement this interface. Watch is optional: stores without
// push support return false and callers fall back to polling Events.
type Store interface {
	Put(ctx context.Context, data *Data) error
	Get(ctx context.Context, id string) (*Data, error)
	Delete(ctx context.Context, id string) error
	// Update applies mutate to the stored record under the store's own serialization.
	Update(ctx context.Context, id string, mutate func(data *Data)) error
	// AppendEvent assigns the next event id, persists the event and returns the
	// stored copy.
	AppendEvent(ctx context.Context, id string, event *Event) (*Event, error)
	// Events returns the events strictly after afterEventId in append order; an
	// empty afterEventId returns the full log.
	Events(ctx context.Context, id string, afterEventId string) ([]*Event, error)
	// Watch subscribes to events appended after the call. The third result is
	// false when the store does not support push.
	Watch(ctx context.Context, id string) (<-chan *Event, func(), bool)
}

type storeEntry struct {
	mux         sync.Mutex
	data        *Data
	eventSeq    uint64
	watchers    map[int]chan *Event
	nextWatcher int
}

// memoryStore is the in-memory reference Store backed by SyncMap.
type memoryStore struct {
	entries     *collection.SyncMap[string, *storeEntry]
	watchBuffer int
}

// NewMemoryStore creates an in-memory session Store.
func NewMemoryStore() Store {
	return &memoryStore{
		entries:     collection.NewSyncMap[string, *storeEntry](),
		watchBuffer: 64,
	}
}

func (s *memoryStore) Put(ctx context.Context, data *Data) error {
	if data.Id == "" {
		return errors.New("session id is required")
	}
	entry := &storeEntry{
		data:     data.Clone(),
		eventSeq: data.LastEventSeq(),
		watchers: map[int]chan *Event{},
	}
	s.entries.Put(data.Id, entry)
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*Data, error) {
	entry, ok := s.entries.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	entry.mux.Lock()
	defer entry.mux.Unlock()
	return entry.data.Clone(), nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	entry, ok := s.entries.Get(id)
	if ok {
		entry.mux.Lock()
		for key, watcher := range entry.watchers {
			close(watcher)
			delete(entry.watchers, key)
		}
		entry.mux.Unlock()
	}
	s.entries.Delete(id)
	return nil
}

func (s *memoryStore) Update(ctx context.Context, id string, mutate func(data *Data)) error {
	entry, ok := s.entries.Get(id)
	if !ok {
		return ErrNotFound
	}
	entry.mux.Lock()
	defer entry.mux.Unlock()
	mutate(entry.data)
	return nil
}

func (s *memoryStore) AppendEvent(ctx context.Context, id string, event *Event) (*Event, error) {
	entry, ok := s.entries.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	entry.mux.Lock()
	defer entry.mux.Unlock()
	entry.eventSeq++
	stored := cloneEvent(event)
	stored.Id = formatSeq(entry.eventSeq)
	recordedAt := time.Now()
	stored.RecordedAt = &recordedAt
	entry.data.Events = append(entry.data.Events, stored)
	for _, watcher := range entry.watchers {
		select {
		case watcher <- cloneEvent(stored):
		default:
			// slow watcher; it catches up from the log on its next poll
		}
	}
	return cloneEvent(stored), nil
}

func (s *memoryStore) Events(ctx context.Context, id string, afterEventId string) ([]*Event, error) {
	entry, ok := s.entries.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	entry.mux.Lock()
	defer entry.mux.Unlock()
	events := entry.data.Events
	start := 0
	if afterEventId != "" {
		start = len(events)
		for i, event := range events {
			if event.Id == afterEventId {
				start = i + 1
				break
			}
		}
	}
	result := make([]*Event, 0, len(events)-start)
	for _, event := range events[start:] {
		result = append(result, cloneEvent(event))
	}
	return result, nil
}

func (s *memoryStore) Watch(ctx context.Context, id string) (<-chan *Event, func(), bool) {
	entry, ok := s.entries.Get(id)
	if !ok {
		return nil, nil, false
	}
	entry.mux.Lock()
	defer entry.mux.Unlock()
	key := entry.nextWatcher
	entry.nextWatcher++
	watcher := make(chan *Event, s.watchBuffer)
	entry.watchers[key] = watcher
	cancel := func() {
		entry.mux.Lock()
		defer entry.mux.Unlock()
		if current, ok := entry.watchers[key]; ok {
			close(current)
			delete(entry.watchers, key)
		}
	}
	return watcher, cancel, true
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
