package bus

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/gehhilfe/eventlog/core"
)

// LeakyBus silently drops a share of published messages. It stands in for a
// lossy transport when testing recovery by replay.
type LeakyBus struct {
	dropPercentage int // 0-100
	bus            core.MessageBus

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewLeakyBus(
	bus core.MessageBus,
	dropPercentage int,
	seed uint64,
) *LeakyBus {
	return &LeakyBus{
		bus:            bus,
		dropPercentage: min(max(dropPercentage, 0), 100),
		rnd:            rand.New(rand.NewPCG(seed, seed)),
	}
}

func (b *LeakyBus) drop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rnd.IntN(100) < b.dropPercentage
}

func (b *LeakyBus) Publish(ctx context.Context, subject string, messages ...core.Message) error {
	kept := make([]core.Message, 0, len(messages))
	for _, m := range messages {
		if !b.drop() {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return b.bus.Publish(ctx, subject, kept...)
}

func (b *LeakyBus) Subscribe(subscription core.Subscription, handler core.Handler) (core.Unsubscriber, error) {
	return b.bus.Subscribe(subscription, handler)
}
