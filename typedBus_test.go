package eventlog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog/bus"
	"github.com/gehhilfe/eventlog/core"
)

func TestTypedMessageBusWithInMemoryBus(t *testing.T) {
	for _, envelope := range []bool{false, true} {
		mb := bus.NewInMemoryMessageBus()
		tm := newTypedMessageBus(mb, envelope)

		var received []*EventMessage
		_, err := subscribeTyped(mb, core.Subscription{Subject: "events"},
			func(ctx context.Context, message *EventMessage, raw core.Message) error {
				received = append(received, message)
				return nil
			})
		require.NoError(t, err)

		err = tm.Publish(context.Background(), "events",
			typedMessage{payload: EventMessage{StreamId: "s", EventId: 0, Type: "A", Data: `{"x":1}`}, groupKey: "s"},
			typedMessage{payload: EventMessage{StreamId: "s", EventId: 1, Type: "B", Data: `{"x":2}`}, groupKey: "s"},
		)
		require.NoError(t, err)
		mb.Wait()

		require.Len(t, received, 2)
		assert.Equal(t, &EventMessage{StreamId: "s", EventId: 0, Type: "A", Data: `{"x":1}`}, received[0])
		assert.Equal(t, int64(1), received[1].EventId)
	}
}

func TestNotificationEnvelope(t *testing.T) {
	inner := []byte(`{"streamId":"s","eventId":3,"type":"A","data":"{}"}`)

	wrapped, err := wrapNotification(inner)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Type":"Notification","Message":"{\"streamId\":\"s\",\"eventId\":3,\"type\":\"A\",\"data\":\"{}\"}"}`, string(wrapped))
	assert.Equal(t, inner, unwrapNotification(wrapped))

	// Only one layer is removed.
	twice, err := wrapNotification(wrapped)
	require.NoError(t, err)
	assert.Equal(t, wrapped, unwrapNotification(twice))

	assert.Equal(t, inner, unwrapNotification(inner))
	other := []byte(`{"Type":"Other","Message":"x"}`)
	assert.Equal(t, other, unwrapNotification(other))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := decode[EventMessage]("events", core.Message{Data: []byte(`{"eventId":"x"}`)})
	var malformed *malformedError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "events", malformed.subject)
}

func TestUnsubscriberStopsAll(t *testing.T) {
	var order []int
	fail := errors.New("boom")
	u := &unsubscriber{subscribers: []core.Unsubscriber{
		core.UnsubscribeFunc(func() error { order = append(order, 0); return nil }),
		core.UnsubscribeFunc(func() error { order = append(order, 1); return fail }),
		core.UnsubscribeFunc(func() error { order = append(order, 2); return nil }),
	}}

	require.ErrorIs(t, u.Unsubscribe(), fail)
	assert.Equal(t, []int{2, 1, 0}, order)
	require.NoError(t, u.Unsubscribe())
}

func TestDedupKeys(t *testing.T) {
	assert.Equal(t, DedupKey("s", 1), DedupKey("s", 1))
	assert.NotEqual(t, DedupKey("s", 1), DedupKey("s", 2))
	assert.NotEqual(t, DedupKey("s-1", 1), DedupKey("s", 11))
	assert.NotEqual(t, DedupKey("s", 1), ReplayDedupKey("s", 1))
	assert.Len(t, ReplayDedupKey("s", 1), 64)
}
