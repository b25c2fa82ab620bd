package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	slogctx "github.com/veqryn/slog-context"

	"github.com/gehhilfe/eventlog/core"
)

// HandlerFunc applies one event to a read model. It may run more than once
// for the same event and must leave the same state when it does.
type HandlerFunc func(ctx context.Context, event core.Event) error

// Projection maps event types to the handlers that build a read model.
type Projection struct {
	id       string
	handlers map[string]HandlerFunc
	streams  []string
}

func NewProjection(id string) *Projection {
	return &Projection{
		id:       id,
		handlers: make(map[string]HandlerFunc),
	}
}

func (p *Projection) Id() string {
	return p.id
}

// On registers the handler for an event type. Types are matched upper cased.
func (p *Projection) On(eventType string, handler HandlerFunc) *Projection {
	p.handlers[strings.ToUpper(eventType)] = handler
	return p
}

// Streams restricts the projection to the given streams. Without it every
// stream is consumed.
func (p *Projection) Streams(streamIds ...string) *Projection {
	p.streams = append(p.streams, streamIds...)
	return p
}

// Outcome reports what Process did with an event.
type Outcome int

const (
	// Failed is returned with any error other than a deferral.
	Failed Outcome = iota
	Applied
	Duplicate
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Failed:
		return "failed"
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ProjectionEngine applies events to a projection in stream order using a
// watermark per stream. It relies on the transport delivering one message per
// stream at a time.
type ProjectionEngine struct {
	projection *Projection
	watermarks core.WatermarkStore
	logger     *slog.Logger
}

func NewProjectionEngine(projection *Projection, watermarks core.WatermarkStore, opts ...Option) *ProjectionEngine {
	o := newOptions(opts)
	return &ProjectionEngine{
		projection: projection,
		watermarks: watermarks,
		logger:     o.logger.With(slog.String("projector", projection.id)),
	}
}

// Process applies the event if it is the next one of its stream. An event
// ahead of the watermark is Deferred and returns a *core.EventOutOfOrderError;
// nothing is written in that case.
func (e *ProjectionEngine) Process(ctx context.Context, event core.Event) (Outcome, error) {
	logger := e.logger.With(slog.String("stream", event.StreamId), slog.Int64("eventId", event.EventId))

	watermark, err := e.watermarks.Watermark(ctx, e.projection.id, event.StreamId)
	if err != nil {
		return Failed, fmt.Errorf("failed to read watermark: %w", err)
	}
	expected := watermark + 1

	switch {
	case event.EventId > expected:
		return Deferred, &core.EventOutOfOrderError{
			ProjectorId: e.projection.id,
			StreamId:    event.StreamId,
			Expected:    expected,
			Actual:      event.EventId,
		}
	case event.EventId < expected:
		logger.Debug("skipping past event", slog.Int64("expected", expected))
		return Duplicate, nil
	}

	if handler, ok := e.projection.handlers[strings.ToUpper(event.Type)]; ok {
		if err := handler(slogctx.NewCtx(ctx, logger), event); err != nil {
			return Failed, fmt.Errorf("handler %s failed: %w", event.Type, err)
		}
	} else {
		logger.Info("no action for event", slog.String("type", event.Type))
	}

	if err := e.watermarks.SetWatermark(ctx, e.projection.id, event.StreamId, event.EventId); err != nil {
		return Failed, fmt.Errorf("failed to store watermark: %w", err)
	}
	logger.Debug("event applied", slog.String("type", event.Type))
	return Applied, nil
}

// Handle processes one transport delivery of an EventMessage.
func (e *ProjectionEngine) Handle(ctx context.Context, message *EventMessage) error {
	outcome, err := e.Process(ctx, message.Event())
	if outcome == Deferred {
		e.logger.Debug("event deferred", slog.String("stream", message.StreamId), slog.Any("error", err))
	}
	return err
}

// Subscribe consumes the subject with a durable consumer named after the
// projection, filtered to its streams.
func (e *ProjectionEngine) Subscribe(bus core.MessageBus, subject string) (core.Unsubscriber, error) {
	return subscribeTyped(bus, core.Subscription{
		Subject: subject,
		Durable: e.projection.id,
		Filter:  core.Filter{StreamIds: e.projection.streams},
	}, func(ctx context.Context, message *EventMessage, _ core.Message) error {
		return e.Handle(ctx, message)
	})
}
