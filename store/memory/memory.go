package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gehhilfe/eventlog/core"
)

// InMemoryEventLog keeps every stream in process memory.
type InMemoryEventLog struct {
	lock        sync.Mutex
	streams     map[string][]core.Event
	onCommitCbs map[int]func(core.Event)
	nextCbId    int
	watermarks  map[watermarkKey]int64
}

type watermarkKey struct {
	projectorId string
	streamId    string
}

func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{
		streams:     make(map[string][]core.Event),
		onCommitCbs: make(map[int]func(core.Event)),
		watermarks:  make(map[watermarkKey]int64),
	}
}

func (m *InMemoryEventLog) Last(ctx context.Context, streamId string) (core.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Event{}, false, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	events := m.streams[streamId]
	if len(events) == 0 {
		return core.Event{}, false, nil
	}
	return events[len(events)-1], true, nil
}

func (m *InMemoryEventLog) PutIfAbsent(ctx context.Context, event core.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	events := m.streams[event.StreamId]
	// Slots are dense, so the slot is taken iff it is below the length. A
	// slot above the length would leave a gap and is rejected the same way.
	if event.EventId != int64(len(events)) {
		return core.ErrEventExists
	}
	event.Data = slices.Clone(event.Data)
	m.streams[event.StreamId] = append(events, event)

	// Callbacks run under the lock to keep the feed ordered per stream.
	for _, id := range m.callbackIds() {
		m.onCommitCbs[id](event)
	}
	return nil
}

func (m *InMemoryEventLog) callbackIds() []int {
	ids := make([]int, 0, len(m.onCommitCbs))
	for id := range m.onCommitCbs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *InMemoryEventLog) Range(ctx context.Context, query core.RangeQuery) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return core.Page{}, err
	}
	start, err := query.Start()
	if err != nil {
		return core.Page{}, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	events := m.streams[query.StreamId]
	if start < 0 {
		start = 0
	}
	if start >= int64(len(events)) {
		return core.Page{}, nil
	}
	end := int64(len(events))
	if query.Limit > 0 && start+int64(query.Limit) < end {
		end = start + int64(query.Limit)
	}
	page := slices.Clone(events[start:end])
	return core.Page{Events: page, Next: core.NextCursor(page, query.Limit)}, nil
}

func (m *InMemoryEventLog) ByTime(ctx context.Context, streamId string, from, to time.Time) ([]core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	var out []core.Event
	for _, e := range m.streams[streamId] {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b core.Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

func (m *InMemoryEventLog) OnCommit(cb func(core.Event)) core.Unsubscriber {
	m.lock.Lock()
	defer m.lock.Unlock()

	id := m.nextCbId
	m.nextCbId++
	m.onCommitCbs[id] = cb
	return core.UnsubscribeFunc(func() error {
		m.lock.Lock()
		defer m.lock.Unlock()
		delete(m.onCommitCbs, id)
		return nil
	})
}

func (m *InMemoryEventLog) Watermark(ctx context.Context, projectorId, streamId string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	v, ok := m.watermarks[watermarkKey{projectorId, streamId}]
	if !ok {
		return -1, nil
	}
	return v, nil
}

func (m *InMemoryEventLog) SetWatermark(ctx context.Context, projectorId, streamId string, eventId int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	key := watermarkKey{projectorId, streamId}
	if cur, ok := m.watermarks[key]; ok && cur >= eventId {
		return nil
	}
	m.watermarks[key] = eventId
	return nil
}
