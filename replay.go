package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/gehhilfe/eventlog/core"
)

// ParseReplayRequest decodes a replay trigger body. fromEventId must be a
// non negative integral number. The target is left to the caller.
func ParseReplayRequest(body []byte) (ReplayRequest, error) {
	var raw struct {
		StreamId    json.RawMessage `json:"streamId"`
		FromEventId json.RawMessage `json:"fromEventId"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return ReplayRequest{}, &ValidationError{Field: "body"}
	}
	var r ReplayRequest
	if err := json.Unmarshal(raw.StreamId, &r.StreamId); err != nil || r.StreamId == "" {
		return ReplayRequest{}, &ValidationError{Field: "streamId"}
	}
	from := bytes.TrimSpace(raw.FromEventId)
	if len(from) == 0 || from[0] == '"' || string(from) == "null" {
		return ReplayRequest{}, &ValidationError{Field: "fromEventId"}
	}
	if err := json.Unmarshal(from, &r.FromEventId); err != nil || r.FromEventId < 0 {
		return ReplayRequest{}, &ValidationError{Field: "fromEventId"}
	}
	return r, nil
}

// Replayer republishes stored ranges of a stream to a target subject.
type Replayer struct {
	store   *Store
	bus     *typedMessageBus
	subject string
	opts    options
}

// NewReplayer creates a replayer that takes its requests from subject.
func NewReplayer(store *Store, bus core.MessageBus, subject string, opts ...Option) *Replayer {
	o := newOptions(opts)
	return &Replayer{
		store:   store,
		bus:     newTypedMessageBus(bus, o.envelope),
		subject: subject,
		opts:    o,
	}
}

func chunk[E any](seq iter.Seq[E], size int) iter.Seq[[]E] {
	return func(yield func([]E) bool) {
		var chunk []E
		for e := range seq {
			chunk = append(chunk, e)
			if len(chunk) == size {
				if !yield(chunk) {
					return
				}
				chunk = nil
			}
		}
		if len(chunk) > 0 {
			yield(chunk)
		}
	}
}

// Replay reads the stream from FromEventId to its end and then publishes it to
// the target in batches, returning the number of events published. A failed
// batch aborts the replay with core.ErrTargetUnreachable; the batches before
// it stay published.
func (r *Replayer) Replay(ctx context.Context, req ReplayRequest) (int, error) {
	if req.StreamId == "" {
		return 0, &ValidationError{Field: "streamId"}
	}
	if req.Target == "" {
		return 0, &ValidationError{Field: "target"}
	}
	logger := r.opts.logger.With(slog.String("stream", req.StreamId), slog.String("target", req.Target))
	logger.Info("initializing replay", slog.Int64("from", req.FromEventId))

	var events []core.Event
	for e, err := range r.store.ReadRange(ctx, req.StreamId, req.FromEventId) {
		if err != nil {
			return 0, err
		}
		events = append(events, e)
	}

	published := 0
	for batch := range chunk(slices.Values(events), r.opts.batchSize) {
		messages := make([]typedMessage, 0, len(batch))
		for _, e := range batch {
			messages = append(messages, eventMessage(e, ReplayDedupKey(e.StreamId, e.EventId)))
		}
		if err := r.bus.Publish(ctx, req.Target, messages...); err != nil {
			logger.Error("replay batch failed", slog.Int64("at", batch[0].EventId), slog.Any("error", err))
			return published, fmt.Errorf("%w: replay of %s at %d: %w", core.ErrTargetUnreachable, req.StreamId, batch[0].EventId, err)
		}
		published += len(batch)
	}

	logger.Info("replay done", slog.Int("events", published))
	return published, nil
}

// Trigger enqueues a replay request. Each request is distinct and runs
// independently of other requests.
func (r *Replayer) Trigger(ctx context.Context, req ReplayRequest) error {
	if req.StreamId == "" {
		return &ValidationError{Field: "streamId"}
	}
	if req.FromEventId < 0 {
		return &ValidationError{Field: "fromEventId"}
	}
	if req.Target == "" {
		return &ValidationError{Field: "target"}
	}
	id := uuid.NewString()
	return r.bus.Publish(ctx, r.subject, typedMessage{
		payload:    req,
		groupKey:   id,
		dedupKey:   id,
		attributes: core.Metadata{core.AttrStreamId: req.StreamId},
	})
}

// Consume runs every replay request received on the request subject. Invalid
// requests are dropped, a failed replay is redelivered and starts over.
func (r *Replayer) Consume(durable string) (core.Unsubscriber, error) {
	return subscribeTyped(r.bus.bus, core.Subscription{Subject: r.subject, Durable: durable},
		func(ctx context.Context, req *ReplayRequest, _ core.Message) error {
			_, err := r.Replay(ctx, *req)
			var validationErr *ValidationError
			if errors.As(err, &validationErr) {
				r.opts.logger.Error("dropping invalid replay request", slog.Any("error", err))
				return nil
			}
			return err
		})
}
