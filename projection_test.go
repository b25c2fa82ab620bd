package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog/bus"
	"github.com/gehhilfe/eventlog/core"
	"github.com/gehhilfe/eventlog/store/memory"
)

// applied records the events a projection handled.
type applied struct {
	mu     sync.Mutex
	events map[string][]int64
}

func (a *applied) handler(ctx context.Context, e core.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.events == nil {
		a.events = make(map[string][]int64)
	}
	a.events[e.StreamId] = append(a.events[e.StreamId], e.EventId)
	return nil
}

func (a *applied) of(streamId string) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.events[streamId]...)
}

// monotonicWatermarks fails the test if a stored watermark ever goes down.
type monotonicWatermarks struct {
	core.WatermarkStore
	t *testing.T

	mu   sync.Mutex
	last map[string]int64
}

func (m *monotonicWatermarks) SetWatermark(ctx context.Context, projectorId, streamId string, eventId int64) error {
	m.mu.Lock()
	if m.last == nil {
		m.last = make(map[string]int64)
	}
	if last, ok := m.last[streamId]; ok {
		assert.Greater(m.t, eventId, last, "watermark of %s went from %d to %d", streamId, last, eventId)
	}
	m.last[streamId] = eventId
	m.mu.Unlock()
	return m.WatermarkStore.SetWatermark(ctx, projectorId, streamId, eventId)
}

func testEvent(streamId string, eventId int64, eventType string) core.Event {
	return core.Event{StreamId: streamId, EventId: eventId, Type: eventType, Data: json.RawMessage(`{}`)}
}

func TestProjectionOutcomes(t *testing.T) {
	ctx := context.Background()
	a := &applied{}
	watermarks := memory.NewInMemoryEventLog()
	engine := NewProjectionEngine(NewProjection("p").On("a", a.handler), watermarks)

	outcome, err := engine.Process(ctx, testEvent("s", 1, "A"))
	assert.Equal(t, Deferred, outcome)
	require.ErrorIs(t, err, core.ErrDeferred)
	var outOfOrder *core.EventOutOfOrderError
	require.ErrorAs(t, err, &outOfOrder)
	assert.Equal(t, core.EventOutOfOrderError{ProjectorId: "p", StreamId: "s", Expected: 0, Actual: 1}, *outOfOrder)

	w, err := watermarks.Watermark(ctx, "p", "s")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), w)

	outcome, err = engine.Process(ctx, testEvent("s", 0, "A"))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	outcome, err = engine.Process(ctx, testEvent("s", 0, "A"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)

	outcome, err = engine.Process(ctx, testEvent("s", 1, "A"))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	assert.Equal(t, []int64{0, 1}, a.of("s"))
	w, err = watermarks.Watermark(ctx, "p", "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w)
}

func TestProjectionUnknownTypeAdvances(t *testing.T) {
	ctx := context.Background()
	a := &applied{}
	watermarks := memory.NewInMemoryEventLog()
	engine := NewProjectionEngine(NewProjection("p").On("A", a.handler), watermarks)

	outcome, err := engine.Process(ctx, testEvent("s", 0, "UNKNOWN"))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)

	outcome, err = engine.Process(ctx, testEvent("s", 1, "a"))
	require.NoError(t, err)
	assert.Equal(t, Applied, outcome)
	assert.Equal(t, []int64{1}, a.of("s"))
}

func TestProjectionHandlerFailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	watermarks := memory.NewInMemoryEventLog()
	fail := errors.New("read model down")
	engine := NewProjectionEngine(NewProjection("p").On("A", func(ctx context.Context, e core.Event) error {
		return fail
	}), watermarks)

	outcome, err := engine.Process(ctx, testEvent("s", 0, "A"))
	assert.Equal(t, Failed, outcome)
	require.ErrorIs(t, err, fail)
	assert.NotErrorIs(t, err, core.ErrDeferred)

	w, err := watermarks.Watermark(ctx, "p", "s")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), w)
}

func TestProjectionConvergesOutOfOrder(t *testing.T) {
	ctx := context.Background()
	mb := bus.NewInMemoryMessageBus(bus.WithRedeliveryDelay(time.Millisecond))
	a := &applied{}
	watermarks := &monotonicWatermarks{WatermarkStore: memory.NewInMemoryEventLog(), t: t}
	engine := NewProjectionEngine(NewProjection("p").On("A", a.handler), watermarks)
	sub, err := engine.Subscribe(mb, "events")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	const n = 20
	var events []core.Event
	for _, streamId := range []string{"x", "y"} {
		for i := range n {
			events = append(events, testEvent(streamId, int64(i), "A"))
		}
	}
	rnd := rand.New(rand.NewPCG(1, 2))
	rnd.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
	// Every event is also delivered a second time.
	events = append(events, events[:n]...)

	p := NewPublisher(mb, "events")
	for _, e := range events {
		// Bypass dedup so redeliveries reach the projection.
		m := eventMessage(e, "")
		require.NoError(t, p.bus.Publish(ctx, "events", m))
	}
	mb.Wait()

	expected := make([]int64, n)
	for i := range expected {
		expected[i] = int64(i)
	}
	assert.Equal(t, expected, a.of("x"))
	assert.Equal(t, expected, a.of("y"))
	assert.Empty(t, mb.DeadLetters())
}

func TestProjectionStreamFilter(t *testing.T) {
	ctx := context.Background()
	log := memory.NewInMemoryEventLog()
	mb := bus.NewInMemoryMessageBus()
	a := &applied{}
	engine := NewProjectionEngine(NewProjection("p").On("ITEM_CREATED", a.handler).Streams("a"), log)
	sub, err := engine.Subscribe(mb, "events")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	defer NewPublisher(mb, "events").Attach(ctx, log).Unsubscribe()

	s := NewStore(log)
	appendN(t, s, "a", 2)
	appendN(t, s, "b", 2)
	mb.Wait()

	assert.Equal(t, []int64{0, 1}, a.of("a"))
	assert.Empty(t, a.of("b"))
	w, err := log.Watermark(ctx, "p", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), w)
}
