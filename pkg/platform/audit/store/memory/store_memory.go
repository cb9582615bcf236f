package memory

import (
	"context"
	"sync"

	audit "github.com/mySupply/phoss-smp/pkg/platform/audit"
)

type objectKey struct {
	objectType audit.ObjectType
	objectID   string
}

type InMemoryStore struct {
	mu     sync.RWMutex
	events map[objectKey][]audit.Event
	total  int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[objectKey][]audit.Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[objectKey][]audit.Event)
	s.total = 0
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey{objectType: event.ObjectType, objectID: event.ObjectID}
	s.events[key] = append(s.events[key], event)
	s.total++
	return nil
}

func (s *InMemoryStore) ListByObject(_ context.Context, objectType audit.ObjectType, objectID string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[objectKey{objectType: objectType, objectID: objectID}]...), nil
}

// Len returns the number of events recorded across all objects.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
