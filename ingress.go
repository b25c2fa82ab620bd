package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"

	"github.com/gehhilfe/eventlog/core"
)

type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return "Invalid field: " + e.Field
}

// ParseSubmission decodes and validates an ingress request body.
func ParseSubmission(body []byte) (Submission, error) {
	var raw struct {
		StreamId json.RawMessage `json:"streamId"`
		Type     json.RawMessage `json:"type"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Submission{}, &ValidationError{Field: "body"}
	}

	var s Submission
	if err := json.Unmarshal(raw.StreamId, &s.StreamId); err != nil {
		return Submission{}, &ValidationError{Field: "streamId"}
	}
	if err := json.Unmarshal(raw.Type, &s.Type); err != nil {
		return Submission{}, &ValidationError{Field: "type"}
	}
	s.Data = raw.Data
	return s, s.Validate()
}

// Validate checks for a non empty stream id and type and for data that is a
// JSON object or array.
func (s Submission) Validate() error {
	if s.StreamId == "" {
		return &ValidationError{Field: "streamId"}
	}
	if s.Type == "" {
		return &ValidationError{Field: "type"}
	}
	data := bytes.TrimSpace(s.Data)
	if len(data) == 0 || (data[0] != '{' && data[0] != '[') || !json.Valid(data) {
		return &ValidationError{Field: "data"}
	}
	return nil
}

// Ingress accepts submissions onto a queue and appends them from there.
type Ingress struct {
	store   *Store
	bus     *typedMessageBus
	subject string
	logger  *slog.Logger
}

func NewIngress(store *Store, bus core.MessageBus, subject string, opts ...Option) *Ingress {
	o := newOptions(opts)
	return &Ingress{
		store:   store,
		bus:     newTypedMessageBus(bus, false),
		subject: subject,
		logger:  o.logger,
	}
}

// Submit validates and enqueues the submission. Every call is a distinct
// message, resending the same submission appends it twice.
func (i *Ingress) Submit(ctx context.Context, s Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return i.bus.Publish(ctx, i.subject, typedMessage{
		payload:  s,
		groupKey: s.StreamId,
		dedupKey: uuid.NewString(),
		attributes: core.Metadata{
			core.AttrStreamId: s.StreamId,
			core.AttrType:     s.Type,
		},
	})
}

// Consume appends every queued submission to the store. A failed append is
// returned to the transport for redelivery.
func (i *Ingress) Consume(durable string) (core.Unsubscriber, error) {
	return subscribeTyped(i.bus.bus, core.Subscription{Subject: i.subject, Durable: durable},
		func(ctx context.Context, s *Submission, raw core.Message) error {
			logger := i.logger.With(slog.String("stream", s.StreamId), slog.Int("delivery", raw.Deliveries))
			ctx = slogctx.NewCtx(ctx, logger)

			event, err := i.store.Append(ctx, s.StreamId, s.Type, s.Data)
			var validationErr *ValidationError
			if errors.As(err, &validationErr) {
				logger.Error("dropping invalid submission", slog.Any("error", err))
				return nil
			}
			if err != nil {
				logger.Warn("append failed", slog.Any("error", err))
				return err
			}
			slogctx.FromCtx(ctx).Info("event appended", slog.Int64("eventId", event.EventId), slog.String("type", event.Type))
			return nil
		})
}
