package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrEventExists is returned by a conditional insert when the slot is taken.
	ErrEventExists = errors.New("event already exists")
	// ErrConflict is returned when an append lost every race within its retry budget.
	ErrConflict = errors.New("sequence conflict")
	// ErrUnavailable marks transient store failures that may be retried.
	ErrUnavailable = errors.New("store unavailable")
	// ErrDeferred marks a delivery that must be redelivered later. It is flow
	// control, not a failure.
	ErrDeferred = errors.New("delivery deferred")
	// ErrTargetUnreachable is returned when a publish to the transport failed.
	ErrTargetUnreachable = errors.New("target unreachable")
)

type EventOutOfOrderError struct {
	ProjectorId string
	StreamId    string
	Expected    int64
	Actual      int64
}

func (e *EventOutOfOrderError) Error() string {
	return fmt.Sprintf("event out of order: projector=%s, stream=%s, expected=%d, actual=%d", e.ProjectorId, e.StreamId, e.Expected, e.Actual)
}

func (e *EventOutOfOrderError) Unwrap() error {
	return ErrDeferred
}

// Cursor is an opaque continuation token of a ranged read. The empty cursor
// marks the end of the range.
type Cursor string

func CursorAfter(eventId int64) Cursor {
	return Cursor(strconv.FormatInt(eventId, 10))
}

// Next returns the first event id following the cursor.
func (c Cursor) Next() (int64, error) {
	id, err := strconv.ParseInt(string(c), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", string(c), err)
	}
	return id + 1, nil
}

type RangeQuery struct {
	StreamId string
	// From is the inclusive first event id, ignored when After is set.
	From  int64
	After Cursor
	Limit int
}

// Start resolves the first event id the query reads.
func (q RangeQuery) Start() (int64, error) {
	if q.After == "" {
		return q.From, nil
	}
	return q.After.Next()
}

type Page struct {
	Events []Event
	Next   Cursor
}

// NextCursor builds the continuation of a page that was read with limit.
func NextCursor(events []Event, limit int) Cursor {
	if limit <= 0 || len(events) < limit {
		return ""
	}
	return CursorAfter(events[len(events)-1].EventId)
}

// EventLog is the ordered key value store events are persisted in.
type EventLog interface {
	// Last returns the event with the highest id of the stream using a
	// strongly consistent read. The bool is false for an empty stream.
	Last(ctx context.Context, streamId string) (Event, bool, error)
	// PutIfAbsent inserts the event at (StreamId, EventId) and returns
	// ErrEventExists when a record is already stored at that key.
	PutIfAbsent(ctx context.Context, event Event) error
	// Range returns one ascending page of a stream.
	Range(ctx context.Context, query RangeQuery) (Page, error)
	// OnCommit registers a handler for the ordered change feed. Handlers are
	// called once per appended event, in append order per stream.
	OnCommit(handler func(Event)) Unsubscriber
}

// TimeIndex is implemented by logs that keep the (stream, timestamp) index.
type TimeIndex interface {
	ByTime(ctx context.Context, streamId string, from, to time.Time) ([]Event, error)
}

// WatermarkStore keeps the last processed event id per projector and stream.
type WatermarkStore interface {
	// Watermark returns -1 if nothing was processed yet.
	Watermark(ctx context.Context, projectorId, streamId string) (int64, error)
	SetWatermark(ctx context.Context, projectorId, streamId string, eventId int64) error
}
