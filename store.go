package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gehhilfe/eventlog/core"
)

// ErrNoTimeIndex is returned by ByTime when the log keeps no time index.
var ErrNoTimeIndex = errors.New("event log has no time index")

// Store appends to and reads from an event log. Appends race through the
// conditional insert of the log, so any number of Stores may share one log.
type Store struct {
	log  core.EventLog
	opts options
}

// NewStore wraps an event log. Options tune the append retry and read paging.
func NewStore(log core.EventLog, opts ...Option) *Store {
	return &Store{
		log:  log,
		opts: newOptions(opts),
	}
}

func (s *Store) Log() core.EventLog {
	return s.log
}

// Append stores a new event at the end of the stream and returns it. The type
// is upper cased. Lost races are retried with backoff; once the attempt
// budget is spent the error wraps core.ErrConflict.
func (s *Store) Append(ctx context.Context, streamId, eventType string, data json.RawMessage) (core.Event, error) {
	if streamId == "" {
		return core.Event{}, &ValidationError{Field: "streamId"}
	}
	if eventType == "" {
		return core.Event{}, &ValidationError{Field: "type"}
	}
	if !json.Valid(data) {
		return core.Event{}, &ValidationError{Field: "data"}
	}
	eventType = strings.ToUpper(eventType)
	logger := s.opts.logger.With(slog.String("stream", streamId), slog.String("type", eventType))

	attempt := 0
	operation := func() (core.Event, error) {
		attempt++
		last, ok, err := s.log.Last(ctx, streamId)
		if err != nil {
			return core.Event{}, retryable(err)
		}
		event := core.Event{
			StreamId:  streamId,
			Type:      eventType,
			Data:      data,
			Timestamp: s.opts.now().UTC().Truncate(time.Millisecond),
		}
		if ok {
			event.EventId = last.EventId + 1
		}
		if err := s.log.PutIfAbsent(ctx, event); err != nil {
			return core.Event{}, retryable(err)
		}
		return event, nil
	}

	event, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.opts.newBackOff()),
		backoff.WithMaxTries(s.opts.maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("append retry", slog.Int("attempt", attempt), slog.Duration("next", next), slog.Any("error", err))
		}),
	)
	switch {
	case err == nil:
		logger.Debug("appended", slog.Int64("eventId", event.EventId), slog.Int("attempts", attempt))
		return event, nil
	case errors.Is(err, core.ErrEventExists):
		logger.Warn("append gave up", slog.Int("attempts", attempt))
		return core.Event{}, fmt.Errorf("%w: stream %s after %d attempts", core.ErrConflict, streamId, attempt)
	default:
		return core.Event{}, fmt.Errorf("failed to append to %s: %w", streamId, err)
	}
}

// retryable keeps lost races and transient failures in the retry loop.
func retryable(err error) error {
	if errors.Is(err, core.ErrEventExists) || errors.Is(err, core.ErrUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}

// ReadRange lazily reads the stream from fromEventId to its current end, one
// page at a time. Ranging over the sequence again reads it again.
func (s *Store) ReadRange(ctx context.Context, streamId string, fromEventId int64) iter.Seq2[core.Event, error] {
	return func(yield func(core.Event, error) bool) {
		query := core.RangeQuery{StreamId: streamId, From: fromEventId, Limit: s.opts.pageSize}
		for {
			page, err := s.log.Range(ctx, query)
			if err != nil {
				yield(core.Event{}, fmt.Errorf("failed to read %s: %w", streamId, err))
				return
			}
			for _, e := range page.Events {
				if !yield(e, nil) {
					return
				}
			}
			if page.Next == "" {
				return
			}
			query.After = page.Next
		}
	}
}

// Follow reads the stream like ReadRange and then keeps waiting for new
// events until ctx is done.
func (s *Store) Follow(ctx context.Context, streamId string, fromEventId int64) iter.Seq2[core.Event, error] {
	return func(yield func(core.Event, error) bool) {
		for e, err := range core.Iterate(ctx, s.log, streamId, fromEventId) {
			if err != nil {
				yield(core.Event{}, err)
				return
			}
			if !yield(*e, nil) {
				return
			}
		}
	}
}

// ByTime returns the events of the stream with from <= timestamp < to, in
// chronological order.
func (s *Store) ByTime(ctx context.Context, streamId string, from, to time.Time) ([]core.Event, error) {
	index, ok := s.log.(core.TimeIndex)
	if !ok {
		return nil, ErrNoTimeIndex
	}
	return index.ByTime(ctx, streamId, from, to)
}
