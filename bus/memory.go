package bus

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/gehhilfe/eventlog/core"
)

// DeadLetter is a message that exhausted its deliveries.
type DeadLetter struct {
	Subject string
	Durable string
	Message core.Message
	Err     error
}

// InMemoryMessageBus delivers at least once, one message per group key at a
// time and in publish order. A failed delivery stays at the head of its group
// and blocks it until the redelivery delay has passed. A deferred delivery
// steps aside to the tail of its group so the messages it waits for can pass.
// Messages published to a subject without subscriptions are dropped.
type InMemoryMessageBus struct {
	mu       sync.Mutex
	settled  *sync.Cond
	pending  int
	subjects map[string]*memSubject
	dead     []DeadLetter

	logger          *slog.Logger
	redeliveryDelay time.Duration
	maxDeliveries   int
	dedupWindow     time.Duration
	now             func() time.Time
}

type memSubject struct {
	seen          map[string]time.Time
	lastPrune     time.Time
	subscriptions []*memSubscription
}

type memSubscription struct {
	bus          *InMemoryMessageBus
	subject      string
	subscription core.Subscription
	handler      core.Handler
	groups       map[string]*memGroup
	closed       bool
}

type memGroup struct {
	key   string
	queue []core.Message
	busy  bool
}

type Option func(*InMemoryMessageBus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *InMemoryMessageBus) {
		b.logger = logger
	}
}

func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *InMemoryMessageBus) {
		b.redeliveryDelay = d
	}
}

// WithMaxDeliveries dead letters a message after n failed deliveries. Zero
// redelivers forever.
func WithMaxDeliveries(n int) Option {
	return func(b *InMemoryMessageBus) {
		b.maxDeliveries = n
	}
}

// WithDedupWindow sets how long a dedup key suppresses later publications
// with the same key on the same subject.
func WithDedupWindow(d time.Duration) Option {
	return func(b *InMemoryMessageBus) {
		b.dedupWindow = d
	}
}

func NewInMemoryMessageBus(opts ...Option) *InMemoryMessageBus {
	b := &InMemoryMessageBus{
		subjects:        make(map[string]*memSubject),
		logger:          slog.Default(),
		redeliveryDelay: 10 * time.Millisecond,
		maxDeliveries:   100,
		dedupWindow:     5 * time.Minute,
		now:             time.Now,
	}
	b.settled = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *InMemoryMessageBus) subject(name string) *memSubject {
	s, ok := b.subjects[name]
	if !ok {
		s = &memSubject{seen: make(map[string]time.Time)}
		b.subjects[name] = s
	}
	return s
}

func (b *InMemoryMessageBus) Publish(ctx context.Context, subject string, messages ...core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.subject(subject)
	now := b.now()
	if now.Sub(s.lastPrune) > b.dedupWindow {
		for k, at := range s.seen {
			if now.Sub(at) >= b.dedupWindow {
				delete(s.seen, k)
			}
		}
		s.lastPrune = now
	}

	for _, m := range messages {
		if m.DedupKey != "" {
			if at, ok := s.seen[m.DedupKey]; ok && now.Sub(at) < b.dedupWindow {
				b.logger.Debug("dropping duplicate message", slog.String("subject", subject), slog.String("dedupKey", m.DedupKey))
				continue
			}
			s.seen[m.DedupKey] = now
		}
		m.Data = slices.Clone(m.Data)
		m.Deliveries = 0
		for _, sub := range s.subscriptions {
			if !sub.subscription.Filter.Matches(m.Attributes) {
				continue
			}
			b.pending++
			sub.enqueue(m)
		}
	}
	return nil
}

func (b *InMemoryMessageBus) Subscribe(subscription core.Subscription, handler core.Handler) (core.Unsubscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memSubscription{
		bus:          b,
		subject:      subscription.Subject,
		subscription: subscription,
		handler:      handler,
		groups:       make(map[string]*memGroup),
	}
	s := b.subject(subscription.Subject)
	s.subscriptions = append(s.subscriptions, sub)

	return core.UnsubscribeFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return errors.New("subscription not found")
		}
		sub.closed = true
		s.subscriptions = slices.DeleteFunc(s.subscriptions, func(o *memSubscription) bool { return o == sub })
		for _, g := range sub.groups {
			if !g.busy {
				b.settle(len(g.queue))
				g.queue = nil
			}
		}
		return nil
	}), nil
}

// Wait blocks until every published message is acknowledged or dead
// lettered.
func (b *InMemoryMessageBus) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.pending > 0 {
		b.settled.Wait()
	}
}

func (b *InMemoryMessageBus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.dead)
}

// settle must be called with mu held.
func (b *InMemoryMessageBus) settle(n int) {
	b.pending -= n
	if b.pending <= 0 {
		b.pending = 0
		b.settled.Broadcast()
	}
}

// enqueue must be called with mu held.
func (s *memSubscription) enqueue(m core.Message) {
	g, ok := s.groups[m.GroupKey]
	if !ok {
		g = &memGroup{key: m.GroupKey}
		s.groups[m.GroupKey] = g
	}
	g.queue = append(g.queue, m)
	if !g.busy {
		g.busy = true
		go s.drain(g)
	}
}

func (s *memSubscription) drain(g *memGroup) {
	b := s.bus
	for {
		b.mu.Lock()
		if s.closed {
			b.settle(len(g.queue))
			g.queue = nil
		}
		if len(g.queue) == 0 {
			g.busy = false
			b.mu.Unlock()
			return
		}
		m := g.queue[0]
		g.queue = g.queue[1:]
		b.mu.Unlock()

		m.Deliveries++
		err := s.deliver(m)

		b.mu.Lock()
		blocked := s.settleDelivery(g, m, err)
		b.mu.Unlock()
		if blocked {
			return
		}
	}
}

func (s *memSubscription) deliver(m core.Message) (err error) {
	logger := s.bus.logger.With(
		slog.String("subject", s.subject),
		slog.String("group", m.GroupKey),
		slog.Int("delivery", m.Deliveries),
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", slog.Any("panic", r))
			err = errors.New("handler panicked")
		}
	}()
	return s.handler(slogctx.NewCtx(context.Background(), logger), m)
}

// settleDelivery must be called with mu held. It reports whether the group
// is blocked on a redelivery of m, in which case a timer resumes the drain.
func (s *memSubscription) settleDelivery(g *memGroup, m core.Message, err error) bool {
	b := s.bus
	logger := b.logger.With(slog.String("subject", s.subject), slog.String("group", m.GroupKey), slog.Int("delivery", m.Deliveries))
	switch {
	case err == nil:
		b.settle(1)
		return false
	case b.maxDeliveries > 0 && m.Deliveries >= b.maxDeliveries:
		logger.Error("dead lettering message", slog.Any("error", err))
		b.dead = append(b.dead, DeadLetter{
			Subject: s.subject,
			Durable: s.subscription.Durable,
			Message: m,
			Err:     err,
		})
		b.settle(1)
		return false
	case errors.Is(err, core.ErrDeferred):
		logger.Debug("delivery deferred", slog.Any("error", err))
		time.AfterFunc(b.redeliveryDelay, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s.closed {
				b.settle(1)
				return
			}
			s.enqueue(m)
		})
		return false
	default:
		logger.Warn("delivery failed", slog.Any("error", err))
		g.queue = slices.Insert(g.queue, 0, m)
		time.AfterFunc(b.redeliveryDelay, func() {
			s.drain(g)
		})
		return true
	}
}
