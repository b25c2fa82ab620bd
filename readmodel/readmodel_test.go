package readmodel_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog"
	"github.com/gehhilfe/eventlog/bus"
	"github.com/gehhilfe/eventlog/core"
	"github.com/gehhilfe/eventlog/readmodel"
	itemmemory "github.com/gehhilfe/eventlog/readmodel/memory"
	"github.com/gehhilfe/eventlog/store/memory"
)

func itemEvent(eventId int64, eventType, data string) core.Event {
	return core.Event{
		StreamId: "s",
		EventId:  eventId,
		Type:     eventType,
		Data:     json.RawMessage(data),
	}
}

func TestCreateThenChangeAmountWithRedelivery(t *testing.T) {
	ctx := context.Background()
	items := itemmemory.NewInMemoryItemStore()
	engine := eventlog.NewProjectionEngine(readmodel.NewItemProjection(items), memory.NewInMemoryEventLog())

	created := itemEvent(0, readmodel.ItemCreated, `{"itemId":"a","amount":5}`)
	changed := itemEvent(1, readmodel.ItemAmountChanged, `{"itemId":"a","amount":9}`)

	outcome, err := engine.Process(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, eventlog.Applied, outcome)

	outcome, err = engine.Process(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, eventlog.Applied, outcome)

	// A redelivered create must not reset the amount.
	outcome, err = engine.Process(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, eventlog.Duplicate, outcome)

	list, err := items.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []readmodel.Item{{ItemId: "a", Amount: 9}}, list)
}

func TestDeleteItem(t *testing.T) {
	ctx := context.Background()
	items := itemmemory.NewInMemoryItemStore()
	engine := eventlog.NewProjectionEngine(readmodel.NewItemProjection(items), memory.NewInMemoryEventLog())

	for _, e := range []core.Event{
		itemEvent(0, readmodel.ItemCreated, `{"itemId":"a","amount":5}`),
		itemEvent(1, readmodel.ItemCreated, `{"itemId":"b","amount":1}`),
		itemEvent(2, "item_deleted", `{"itemId":"a"}`),
	} {
		_, err := engine.Process(ctx, e)
		require.NoError(t, err)
	}

	list, err := items.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []readmodel.Item{{ItemId: "b", Amount: 1}}, list)
}

func TestMalformedItemIsSkipped(t *testing.T) {
	ctx := context.Background()
	items := itemmemory.NewInMemoryItemStore()
	watermarks := memory.NewInMemoryEventLog()
	engine := eventlog.NewProjectionEngine(readmodel.NewItemProjection(items), watermarks)

	outcome, err := engine.Process(ctx, itemEvent(0, readmodel.ItemCreated, `{"amount":5}`))
	require.NoError(t, err)
	assert.Equal(t, eventlog.Applied, outcome)

	outcome, err = engine.Process(ctx, itemEvent(1, readmodel.ItemCreated, `["a"]`))
	require.NoError(t, err)
	assert.Equal(t, eventlog.Applied, outcome)

	w, err := watermarks.Watermark(ctx, readmodel.ItemsProjectionId, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), w)

	list, err := items.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestItemsThroughBus(t *testing.T) {
	ctx := context.Background()
	log := memory.NewInMemoryEventLog()
	mb := bus.NewInMemoryMessageBus()
	items := itemmemory.NewInMemoryItemStore()

	engine := eventlog.NewProjectionEngine(readmodel.NewItemProjection(items), log)
	sub, err := engine.Subscribe(mb, "events")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	publisher := eventlog.NewPublisher(mb, "events")
	defer publisher.Attach(ctx, log).Unsubscribe()

	store := eventlog.NewStore(log)
	_, err = store.Append(ctx, "s", readmodel.ItemCreated, json.RawMessage(`{"itemId":"a","amount":5}`))
	require.NoError(t, err)
	_, err = store.Append(ctx, "s", readmodel.ItemAmountChanged, json.RawMessage(`{"itemId":"a","amount":9}`))
	require.NoError(t, err)
	_, err = store.Append(ctx, "t", readmodel.ItemCreated, json.RawMessage(`{"itemId":"b","amount":2}`))
	require.NoError(t, err)

	mb.Wait()

	list, err := items.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []readmodel.Item{
		{ItemId: "a", Amount: 9},
		{ItemId: "b", Amount: 2},
	}, list)
}
