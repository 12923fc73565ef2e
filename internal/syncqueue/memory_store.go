package syncqueue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a Store kept in process memory. It is used by tests and by
// deployments that accept losing queued writes on restart.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Item
	order []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Item)}
}

// InsertItem adds item. Inserting an existing id is an error.
func (s *MemoryStore) InsertItem(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("syncqueue: duplicate item %q", item.ID)
	}
	s.items[item.ID] = cloneItem(item)
	s.order = append(s.order, item.ID)
	return nil
}

// UpdateItem replaces a stored item.
func (s *MemoryStore) UpdateItem(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return ErrItemNotFound
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

// DeleteItem removes an item.
func (s *MemoryStore) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(s.items, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// GetItem returns a copy of the stored item.
func (s *MemoryStore) GetItem(ctx context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return cloneItem(item), nil
}

// ListItems returns copies of all items in insertion order.
func (s *MemoryStore) ListItems(ctx context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneItem(s.items[id]))
	}
	return out, nil
}
