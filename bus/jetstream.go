package bus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	slogctx "github.com/veqryn/slog-context"

	"github.com/gehhilfe/eventlog/core"
)

const (
	headerGroup      = "Eventlog-Group"
	headerAttrPrefix = "Eventlog-Attr-"
)

// JetStreamMessageBus maps every subject onto one JetStream stream. The
// stream id attribute, or the group key if there is none, becomes the last
// subject token, so stream filters are pushed down to the server. Consumers
// have one message in flight, which keeps every group in order at the cost of
// processing all groups of a subscription one message at a time.
type JetStreamMessageBus struct {
	js     jetstream.JetStream
	stream string
	prefix string

	logger          *slog.Logger
	dedupWindow     time.Duration
	maxDeliver      int
	redeliveryDelay time.Duration
	ackWait         time.Duration

	mu        sync.Mutex
	consumers []jetstream.ConsumeContext
}

type JetStreamOption func(*JetStreamMessageBus)

func WithJetStreamLogger(logger *slog.Logger) JetStreamOption {
	return func(b *JetStreamMessageBus) {
		b.logger = logger
	}
}

func WithJetStreamDedupWindow(d time.Duration) JetStreamOption {
	return func(b *JetStreamMessageBus) {
		b.dedupWindow = d
	}
}

func WithJetStreamMaxDeliver(n int) JetStreamOption {
	return func(b *JetStreamMessageBus) {
		b.maxDeliver = n
	}
}

func WithJetStreamRedeliveryDelay(d time.Duration) JetStreamOption {
	return func(b *JetStreamMessageBus) {
		b.redeliveryDelay = d
	}
}

// NewJetStreamMessageBus creates or updates the stream that holds all
// subjects below prefix.
func NewJetStreamMessageBus(
	ctx context.Context,
	nc *nats.Conn,
	prefix string,
	opts ...JetStreamOption,
) (*JetStreamMessageBus, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	b := &JetStreamMessageBus{
		js:              js,
		stream:          strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(prefix)),
		prefix:          prefix,
		logger:          slog.Default(),
		dedupWindow:     5 * time.Minute,
		maxDeliver:      100,
		redeliveryDelay: time.Second,
		ackWait:         30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       b.stream,
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: b.dedupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", b.stream, err)
	}
	return b, nil
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func (b *JetStreamMessageBus) natsSubject(subject, key string) string {
	return fmt.Sprint(b.prefix, ".", subject, ".", token(key))
}

func routingKey(m core.Message) string {
	if id, ok := m.Attributes[core.AttrStreamId]; ok {
		return id
	}
	return m.GroupKey
}

func (b *JetStreamMessageBus) Publish(ctx context.Context, subject string, messages ...core.Message) error {
	futures := make([]jetstream.PubAckFuture, 0, len(messages))
	for _, m := range messages {
		msg := nats.NewMsg(b.natsSubject(subject, routingKey(m)))
		msg.Data = m.Data
		msg.Header.Set(headerGroup, m.GroupKey)
		for k, v := range m.Attributes {
			msg.Header.Set(headerAttrPrefix+k, v)
		}

		var opts []jetstream.PublishOpt
		if m.DedupKey != "" {
			opts = append(opts, jetstream.WithMsgID(m.DedupKey))
		}
		future, err := b.js.PublishMsgAsync(msg, opts...)
		if err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
		futures = append(futures, future)
	}

	for _, f := range futures {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ack := <-f.Ok():
			if ack.Duplicate {
				b.logger.Debug("dropping duplicate message", slog.String("subject", subject), slog.Uint64("seq", ack.Sequence))
			}
		case err := <-f.Err():
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
	}
	return nil
}

func (b *JetStreamMessageBus) Subscribe(subscription core.Subscription, handler core.Handler) (core.Unsubscriber, error) {
	filters := []string{fmt.Sprint(b.prefix, ".", subscription.Subject, ".*")}
	if len(subscription.Filter.StreamIds) > 0 {
		filters = filters[:0]
		for _, id := range subscription.Filter.StreamIds {
			filters = append(filters, b.natsSubject(subscription.Subject, id))
		}
	}

	cfg := jetstream.ConsumerConfig{
		Durable:        subscription.Durable,
		FilterSubjects: filters,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        b.ackWait,
		MaxDeliver:     b.maxDeliver,
		MaxAckPending:  1,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if cfg.Durable == "" {
		cfg.Name = uuid.NewString()
		cfg.InactiveThreshold = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", subscription.Subject, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		b.handle(subscription, handler, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", subscription.Subject, err)
	}

	b.mu.Lock()
	b.consumers = append(b.consumers, cc)
	b.mu.Unlock()

	return core.UnsubscribeFunc(func() error {
		cc.Stop()
		return nil
	}), nil
}

func (b *JetStreamMessageBus) handle(subscription core.Subscription, handler core.Handler, msg jetstream.Msg) {
	m := core.Message{
		Data:       msg.Data(),
		GroupKey:   msg.Headers().Get(headerGroup),
		DedupKey:   msg.Headers().Get(nats.MsgIdHdr),
		Attributes: core.Metadata{},
	}
	for k, v := range msg.Headers() {
		if attr, ok := strings.CutPrefix(k, headerAttrPrefix); ok && len(v) > 0 {
			m.Attributes[attr] = v[0]
		}
	}
	if meta, err := msg.Metadata(); err == nil {
		m.Deliveries = int(meta.NumDelivered)
	}

	logger := b.logger.With(
		slog.String("subject", subscription.Subject),
		slog.String("group", m.GroupKey),
		slog.Int("delivery", m.Deliveries),
	)

	// The server side filter only knows the subject token.
	if !subscription.Filter.Matches(m.Attributes) {
		if err := msg.Ack(); err != nil {
			logger.Warn("failed to ack filtered message", slog.Any("error", err))
		}
		return
	}

	err := b.deliver(handler, m, msg, logger)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			logger.Warn("failed to ack message", slog.Any("error", err))
		}
	case errors.Is(err, core.ErrDeferred) && (b.maxDeliver <= 0 || m.Deliveries < b.maxDeliver):
		logger.Debug("delivery deferred", slog.Any("error", err))
		if err := msg.NakWithDelay(b.redeliveryDelay); err != nil {
			logger.Warn("failed to nak message", slog.Any("error", err))
		}
	default:
		logger.Error("dead lettering message", slog.Any("error", err))
		if err := msg.Term(); err != nil {
			logger.Warn("failed to terminate message", slog.Any("error", err))
		}
	}
}

// deliver retries a failed delivery in place while the message is still
// unacknowledged, so nothing behind it on the consumer passes it. Deferrals
// are returned at once and go back to the server.
func (b *JetStreamMessageBus) deliver(handler core.Handler, m core.Message, msg jetstream.Msg, logger *slog.Logger) error {
	for {
		err := handler(slogctx.NewCtx(context.Background(), logger), m)
		if err == nil || errors.Is(err, core.ErrDeferred) {
			return err
		}
		if b.maxDeliver > 0 && m.Deliveries >= b.maxDeliver {
			return err
		}
		logger.Warn("delivery failed", slog.Int("attempt", m.Deliveries), slog.Any("error", err))
		if err := msg.InProgress(); err != nil {
			logger.Warn("failed to extend ack deadline", slog.Any("error", err))
		}
		time.Sleep(b.redeliveryDelay)
		m.Deliveries++
	}
}

// Close stops every consumer created by Subscribe.
func (b *JetStreamMessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cc := range b.consumers {
		cc.Stop()
	}
	b.consumers = nil
}
