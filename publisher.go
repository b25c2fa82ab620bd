package eventlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v5"

	"github.com/gehhilfe/eventlog/core"
)

// Publisher republishes committed events on the events subject. Messages are
// grouped by stream and deduplicated by (stream, event id), so a change that
// is observed twice is delivered once.
type Publisher struct {
	bus     *typedMessageBus
	subject string
	opts    options
}

func NewPublisher(bus core.MessageBus, subject string, opts ...Option) *Publisher {
	o := newOptions(opts)
	return &Publisher{
		bus:     newTypedMessageBus(bus, o.envelope),
		subject: subject,
		opts:    o,
	}
}

func eventMessage(e core.Event, dedupKey string) typedMessage {
	return typedMessage{
		payload:  FromEvent(e),
		groupKey: e.StreamId,
		dedupKey: dedupKey,
		attributes: core.Metadata{
			core.AttrStreamId: e.StreamId,
			core.AttrType:     e.Type,
		},
	}
}

// Publish sends the events in the given order.
func (p *Publisher) Publish(ctx context.Context, events ...core.Event) error {
	messages := make([]typedMessage, 0, len(events))
	for _, e := range events {
		messages = append(messages, eventMessage(e, DedupKey(e.StreamId, e.EventId)))
	}
	if err := p.bus.Publish(ctx, p.subject, messages...); err != nil {
		return fmt.Errorf("%w: %w", core.ErrTargetUnreachable, err)
	}
	return nil
}

// Attach publishes every event committed to log from now on. A publish is
// retried within the attempt budget; an event that still fails is logged and
// must be recovered by a replay.
func (p *Publisher) Attach(ctx context.Context, log core.EventLog) core.Unsubscriber {
	return log.OnCommit(func(e core.Event) {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, p.Publish(ctx, e)
		},
			backoff.WithBackOff(p.opts.newBackOff()),
			backoff.WithMaxTries(p.opts.maxAttempts),
		)
		if err != nil {
			p.opts.logger.Error("failed to publish committed event",
				slog.String("stream", e.StreamId),
				slog.Int64("eventId", e.EventId),
				slog.Any("error", err),
			)
		}
	})
}
