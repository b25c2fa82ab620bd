package eventlog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog/bus"
	"github.com/gehhilfe/eventlog/core"
	"github.com/gehhilfe/eventlog/store/memory"
)

// batchCounter records the size of every publication.
type batchCounter struct {
	core.MessageBus
	mu      sync.Mutex
	batches []int
	keys    []string
}

func (b *batchCounter) Publish(ctx context.Context, subject string, messages ...core.Message) error {
	b.mu.Lock()
	b.batches = append(b.batches, len(messages))
	for _, m := range messages {
		b.keys = append(b.keys, m.DedupKey)
	}
	b.mu.Unlock()
	return b.MessageBus.Publish(ctx, subject, messages...)
}

func TestParseReplayRequest(t *testing.T) {
	r, err := ParseReplayRequest([]byte(`{"streamId":"s","fromEventId":3}`))
	require.NoError(t, err)
	assert.Equal(t, ReplayRequest{StreamId: "s", FromEventId: 3}, r)

	cases := map[string]string{
		`[]`:                                  "body",
		`{"fromEventId":0}`:                   "streamId",
		`{"streamId":"s"}`:                    "fromEventId",
		`{"streamId":"s","fromEventId":"0"}`:  "fromEventId",
		`{"streamId":"s","fromEventId":null}`: "fromEventId",
		`{"streamId":"s","fromEventId":-1}`:   "fromEventId",
		`{"streamId":"s","fromEventId":1.5}`:  "fromEventId",
		`{"streamId":"s","fromEventId":true}`: "fromEventId",
	}
	for body, field := range cases {
		_, err := ParseReplayRequest([]byte(body))
		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr, body)
		assert.Equal(t, field, validationErr.Field, body)
	}
}

func TestReplayReproducesSequence(t *testing.T) {
	ctx := context.Background()
	store := NewStore(memory.NewInMemoryEventLog())
	appendN(t, store, "s", 25)
	appendN(t, store, "other", 3)

	mb := bus.NewInMemoryMessageBus()
	r := record(t, mb, core.Subscription{Subject: "target"})
	counter := &batchCounter{MessageBus: mb}
	replayer := NewReplayer(store, counter, "replay")

	n, err := replayer.Replay(ctx, ReplayRequest{StreamId: "s", FromEventId: 0, Target: "target"})
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	mb.Wait()

	events := r.events(t)
	require.Len(t, events, 25)
	for i, e := range events {
		assert.Equal(t, "s", e.StreamId)
		assert.Equal(t, int64(i), e.EventId)
	}
	assert.Equal(t, []int{10, 10, 5}, counter.batches)

	firstKeys := append([]string(nil), counter.keys...)
	for i, key := range firstKeys {
		assert.Equal(t, ReplayDedupKey("s", int64(i)), key)
	}

	// A second run carries the same keys, so the transport absorbs it.
	_, err = replayer.Replay(ctx, ReplayRequest{StreamId: "s", FromEventId: 0, Target: "target"})
	require.NoError(t, err)
	mb.Wait()
	assert.Equal(t, firstKeys, counter.keys[25:])
	assert.Len(t, r.events(t), 25)
}

func TestReplayFrom(t *testing.T) {
	ctx := context.Background()
	store := NewStore(memory.NewInMemoryEventLog())
	appendN(t, store, "s", 5)

	mb := bus.NewInMemoryMessageBus()
	r := record(t, mb, core.Subscription{Subject: "target"})
	replayer := NewReplayer(store, mb, "replay", WithBatchSize(2))

	n, err := replayer.Replay(ctx, ReplayRequest{StreamId: "s", FromEventId: 3, Target: "target"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	mb.Wait()

	events := r.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].EventId)
	assert.Equal(t, int64(4), events[1].EventId)

	n, err = replayer.Replay(ctx, ReplayRequest{StreamId: "s", FromEventId: 9, Target: "target"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReplayTargetUnreachable(t *testing.T) {
	store := NewStore(memory.NewInMemoryEventLog())
	appendN(t, store, "s", 15)

	fb := &failingBus{MessageBus: bus.NewInMemoryMessageBus()}
	fb.failures.Store(1)
	replayer := NewReplayer(store, fb, "replay")

	n, err := replayer.Replay(context.Background(), ReplayRequest{StreamId: "s", Target: "target"})
	require.ErrorIs(t, err, core.ErrTargetUnreachable)
	require.ErrorIs(t, err, errBusDown)
	assert.Equal(t, 0, n)
}

func TestReplayTriggerAndConsume(t *testing.T) {
	ctx := context.Background()
	store := NewStore(memory.NewInMemoryEventLog())
	appendN(t, store, "s", 4)

	mb := bus.NewInMemoryMessageBus()
	r := record(t, mb, core.Subscription{Subject: "target"})
	replayer := NewReplayer(store, mb, "replay")
	sub, err := replayer.Consume("replay")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, replayer.Trigger(ctx, ReplayRequest{StreamId: "s", FromEventId: 1, Target: "target"}))
	mb.Wait()
	assert.Len(t, r.events(t), 3)

	var validationErr *ValidationError
	require.ErrorAs(t, replayer.Trigger(ctx, ReplayRequest{StreamId: "s"}), &validationErr)
	assert.Equal(t, "target", validationErr.Field)
}

// A lossy transport loses events on the way to the projection. Replaying the
// stream to the projection subject fills the gaps.
func TestReplayRecoversLeakyBus(t *testing.T) {
	ctx := context.Background()
	log := memory.NewInMemoryEventLog()
	mb := bus.NewInMemoryMessageBus(bus.WithMaxDeliveries(3))
	leaky := bus.NewLeakyBus(mb, 30, 7)

	a := &applied{}
	engine := NewProjectionEngine(NewProjection("p").On("ITEM_CREATED", a.handler), log)
	sub, err := engine.Subscribe(mb, "events")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	defer NewPublisher(leaky, "events").Attach(ctx, log).Unsubscribe()

	store := NewStore(log)
	appendN(t, store, "s", 30)
	mb.Wait()
	require.Less(t, len(a.of("s")), 30)

	_, err = NewReplayer(store, mb, "replay").Replay(ctx, ReplayRequest{StreamId: "s", Target: "events"})
	require.NoError(t, err)
	mb.Wait()

	expected := make([]int64, 30)
	for i := range expected {
		expected[i] = int64(i)
	}
	assert.Equal(t, expected, a.of("s"))
}
