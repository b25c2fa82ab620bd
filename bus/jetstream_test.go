package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	test "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog/core"
)

func runJetStream(t *testing.T) *nats.Conn {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func newJetStreamBus(t *testing.T, opts ...JetStreamOption) *JetStreamMessageBus {
	t.Helper()
	nc := runJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := NewJetStreamMessageBus(ctx, nc, "eventlog", opts...)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

type collector struct {
	mu       sync.Mutex
	messages []core.Message
}

func (c *collector) add(m core.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

func (c *collector) data() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, string(m.Data))
	}
	return out
}

func TestJetStreamBus_PublishSubscribe(t *testing.T) {
	b := newJetStreamBus(t)

	var c collector
	_, err := b.Subscribe(core.Subscription{Subject: "events", Durable: "p"}, func(ctx context.Context, m core.Message) error {
		c.add(m)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "events", msg("a", 0), msg("a", 1), msg("b", 0)))
	// Duplicates within the window are dropped by the server.
	require.NoError(t, b.Publish(ctx, "events", msg("a", 0)))

	require.Eventually(t, func() bool { return len(c.data()) == 3 }, 10*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"0", "1", "0"}, c.data())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "a", c.messages[0].GroupKey)
	assert.Equal(t, "a-0", c.messages[0].DedupKey)
	assert.Equal(t, "a", c.messages[0].Attributes[core.AttrStreamId])
	assert.Equal(t, 1, c.messages[0].Deliveries)
}

func TestJetStreamBus_Filter(t *testing.T) {
	b := newJetStreamBus(t)

	var c collector
	_, err := b.Subscribe(core.Subscription{
		Subject: "events",
		Durable: "filtered",
		Filter:  core.Filter{StreamIds: []string{"b"}},
	}, func(ctx context.Context, m core.Message) error {
		c.add(m)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events", msg("a", 0), msg("b", 0), msg("b", 1)))
	require.Eventually(t, func() bool { return len(c.data()) == 2 }, 10*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		assert.Equal(t, "b", m.GroupKey)
	}
}

func TestJetStreamBus_DeferredIsRedelivered(t *testing.T) {
	b := newJetStreamBus(t, WithJetStreamRedeliveryDelay(50*time.Millisecond))

	var c collector
	var mu sync.Mutex
	deferred := false
	_, err := b.Subscribe(core.Subscription{Subject: "events", Durable: "p"}, func(ctx context.Context, m core.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if string(m.Data) == "0" && !deferred {
			deferred = true
			return fmt.Errorf("later: %w", core.ErrDeferred)
		}
		c.add(m)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events", msg("a", 0), msg("a", 1)))
	require.Eventually(t, func() bool { return len(c.data()) == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"0", "1"}, c.data())

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if string(m.Data) == "0" {
			assert.Equal(t, 2, m.Deliveries)
		}
	}
}

func TestJetStreamBus_DeadLetter(t *testing.T) {
	b := newJetStreamBus(t, WithJetStreamRedeliveryDelay(10*time.Millisecond), WithJetStreamMaxDeliver(2))

	var mu sync.Mutex
	deliveries := 0
	_, err := b.Subscribe(core.Subscription{Subject: "events", Durable: "p"}, func(ctx context.Context, m core.Message) error {
		mu.Lock()
		defer mu.Unlock()
		deliveries++
		return fmt.Errorf("boom")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events", msg("a", 0)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 2
	}, 10*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, deliveries)
}

func TestJetStreamBus_FailureKeepsOrder(t *testing.T) {
	b := newJetStreamBus(t, WithJetStreamRedeliveryDelay(10*time.Millisecond))

	var c collector
	var mu sync.Mutex
	failed := false
	_, err := b.Subscribe(core.Subscription{Subject: "ingress", Durable: "ingress"}, func(ctx context.Context, m core.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if string(m.Data) == "0" && !failed {
			failed = true
			return fmt.Errorf("unavailable")
		}
		c.add(m)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "ingress", msg("a", 0), msg("a", 1), msg("a", 2)))
	require.Eventually(t, func() bool { return len(c.data()) == 3 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2"}, c.data())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 2, c.messages[0].Deliveries)
}
