package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/gehhilfe/eventlog/readmodel"
)

type InMemoryItemStore struct {
	rwLock sync.RWMutex
	items  map[string]readmodel.Item
}

func NewInMemoryItemStore() *InMemoryItemStore {
	return &InMemoryItemStore{
		items: make(map[string]readmodel.Item),
	}
}

func (s *InMemoryItemStore) Put(ctx context.Context, item readmodel.Item) error {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	s.items[item.ItemId] = item
	return nil
}

func (s *InMemoryItemStore) SetAmount(ctx context.Context, itemId string, amount float64) error {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	s.items[itemId] = readmodel.Item{ItemId: itemId, Amount: amount}
	return nil
}

func (s *InMemoryItemStore) Delete(ctx context.Context, itemId string) error {
	s.rwLock.Lock()
	defer s.rwLock.Unlock()
	delete(s.items, itemId)
	return nil
}

// List returns a copy of the items ordered by id.
func (s *InMemoryItemStore) List(ctx context.Context) ([]readmodel.Item, error) {
	s.rwLock.RLock()
	defer s.rwLock.RUnlock()

	items := make([]readmodel.Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b readmodel.Item) int {
		return strings.Compare(a.ItemId, b.ItemId)
	})
	return items, nil
}
