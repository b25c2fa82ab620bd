package bus

import (
	"context"
	"errors"
	"log/slog"

	slogctx "github.com/veqryn/slog-context"

	"github.com/gehhilfe/eventlog/core"
)

// BusLogger logs every publication and delivery of the wrapped bus.
type BusLogger struct {
	bus core.MessageBus
}

func NewBusLogger(
	bus core.MessageBus,
) *BusLogger {
	return &BusLogger{
		bus: bus,
	}
}

func (b *BusLogger) Publish(ctx context.Context, subject string, messages ...core.Message) error {
	logger := slogctx.FromCtx(ctx)
	for _, m := range messages {
		logger.Debug("Publishing message",
			slog.String("subject", subject),
			slog.String("group", m.GroupKey),
			slog.String("dedupKey", m.DedupKey),
			slog.String("message", string(m.Data)),
		)
	}
	err := b.bus.Publish(ctx, subject, messages...)
	if err != nil {
		logger.Error("Publish failed", slog.String("subject", subject), slog.Int("messages", len(messages)), slog.Any("error", err))
	}
	return err
}

func (b *BusLogger) Subscribe(subscription core.Subscription, handler core.Handler) (core.Unsubscriber, error) {
	return b.bus.Subscribe(subscription, func(ctx context.Context, message core.Message) error {
		logger := slogctx.FromCtx(ctx)
		logger.Debug("Received message",
			slog.String("subject", subscription.Subject),
			slog.String("durable", subscription.Durable),
			slog.String("message", string(message.Data)),
			slog.Any("attributes", message.Attributes),
		)
		err := handler(ctx, message)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrDeferred):
			logger.Debug("Message deferred", slog.Any("error", err))
		default:
			logger.Warn("Message handler failed", slog.Any("error", err))
		}
		return err
	})
}
