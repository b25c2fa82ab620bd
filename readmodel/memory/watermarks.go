package memory

import (
	"context"
	"sync"
)

type watermarkKey struct {
	projectorId string
	streamId    string
}

// InMemoryWatermarkStore keeps watermarks for a read model that lives in
// process memory. Both are lost together on restart, so a replay from the
// start of a stream rebuilds the items.
type InMemoryWatermarkStore struct {
	mu         sync.Mutex
	watermarks map[watermarkKey]int64
}

func NewInMemoryWatermarkStore() *InMemoryWatermarkStore {
	return &InMemoryWatermarkStore{
		watermarks: make(map[watermarkKey]int64),
	}
}

func (s *InMemoryWatermarkStore) Watermark(ctx context.Context, projectorId, streamId string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.watermarks[watermarkKey{projectorId, streamId}]; ok {
		return v, nil
	}
	return -1, nil
}

// SetWatermark never moves a watermark backwards.
func (s *InMemoryWatermarkStore) SetWatermark(ctx context.Context, projectorId, streamId string, eventId int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := watermarkKey{projectorId, streamId}
	if cur, ok := s.watermarks[key]; ok && cur >= eventId {
		return nil
	}
	s.watermarks[key] = eventId
	return nil
}
