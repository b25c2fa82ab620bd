// Package storetest holds the behaviour every event log backend must show.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gehhilfe/eventlog/core"
)

type Backend interface {
	core.EventLog
	core.TimeIndex
	core.WatermarkStore
}

// Run executes the suite. open must return an empty backend per call.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	t.Run("EmptyStream", func(t *testing.T) { testEmptyStream(t, open(t)) })
	t.Run("PutIfAbsent", func(t *testing.T) { testPutIfAbsent(t, open(t)) })
	t.Run("ConcurrentPut", func(t *testing.T) { testConcurrentPut(t, open(t)) })
	t.Run("RangePages", func(t *testing.T) { testRangePages(t, open(t)) })
	t.Run("StreamsAreIsolated", func(t *testing.T) { testStreamsAreIsolated(t, open(t)) })
	t.Run("OnCommit", func(t *testing.T) { testOnCommit(t, open(t)) })
	t.Run("ByTime", func(t *testing.T) { testByTime(t, open(t)) })
	t.Run("Watermark", func(t *testing.T) { testWatermark(t, open(t)) })
}

var base = time.UnixMilli(1_700_000_000_000).UTC()

func event(streamId string, eventId int64) core.Event {
	return core.Event{
		StreamId:  streamId,
		EventId:   eventId,
		Type:      "ITEM_CREATED",
		Data:      []byte(fmt.Sprintf(`{"itemId":"%s","n":%d}`, streamId, eventId)),
		Timestamp: base.Add(time.Duration(eventId) * time.Second),
	}
}

func requireEvent(t *testing.T, expected, actual core.Event) {
	t.Helper()
	require.Equal(t, expected.StreamId, actual.StreamId)
	require.Equal(t, expected.EventId, actual.EventId)
	require.Equal(t, expected.Type, actual.Type)
	require.JSONEq(t, string(expected.Data), string(actual.Data))
	require.True(t, expected.Timestamp.Equal(actual.Timestamp), "timestamp %s != %s", expected.Timestamp, actual.Timestamp)
}

func fill(t *testing.T, b Backend, streamId string, n int) {
	t.Helper()
	for i := range n {
		require.NoError(t, b.PutIfAbsent(context.Background(), event(streamId, int64(i))))
	}
}

func testEmptyStream(t *testing.T, b Backend) {
	ctx := context.Background()

	_, ok, err := b.Last(ctx, "empty")
	require.NoError(t, err)
	assert.False(t, ok)

	page, err := b.Range(ctx, core.RangeQuery{StreamId: "empty", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, core.Cursor(""), page.Next)
}

func testPutIfAbsent(t *testing.T, b Backend) {
	ctx := context.Background()

	require.NoError(t, b.PutIfAbsent(ctx, event("s", 0)))
	err := b.PutIfAbsent(ctx, event("s", 0))
	require.ErrorIs(t, err, core.ErrEventExists)

	require.NoError(t, b.PutIfAbsent(ctx, event("s", 1)))

	last, ok, err := b.Last(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	requireEvent(t, event("s", 1), last)

	// The losing write must not have replaced the stored record.
	page, err := b.Range(ctx, core.RangeQuery{StreamId: "s"})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	requireEvent(t, event("s", 0), page.Events[0])
}

func testConcurrentPut(t *testing.T, b Backend) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := event("race", 0)
			e.Data = []byte(fmt.Sprintf(`{"writer":%d}`, i))
			errs <- b.PutIfAbsent(ctx, e)
		}()
	}
	wg.Wait()
	close(errs)

	var won int
	for err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, core.ErrEventExists), errors.Is(err, core.ErrUnavailable):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
}

func testRangePages(t *testing.T, b Backend) {
	ctx := context.Background()
	fill(t, b, "paged", 7)

	var got []core.Event
	query := core.RangeQuery{StreamId: "paged", From: 2, Limit: 2}
	pages := 0
	for {
		page, err := b.Range(ctx, query)
		require.NoError(t, err)
		got = append(got, page.Events...)
		pages++
		if page.Next == "" {
			break
		}
		query.After = page.Next
	}

	require.Len(t, got, 5)
	for i, e := range got {
		requireEvent(t, event("paged", int64(i+2)), e)
	}
	// 2 full pages, 1 short page.
	assert.Equal(t, 3, pages)

	page, err := b.Range(ctx, core.RangeQuery{StreamId: "paged", From: 7, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
}

func testStreamsAreIsolated(t *testing.T, b Backend) {
	ctx := context.Background()
	fill(t, b, "a", 3)
	fill(t, b, "b", 1)

	last, ok, err := b.Last(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), last.EventId)

	page, err := b.Range(ctx, core.RangeQuery{StreamId: "a"})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	for _, e := range page.Events {
		assert.Equal(t, "a", e.StreamId)
	}
}

func testOnCommit(t *testing.T, b Backend) {
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int64
	done := make(chan struct{})
	sub := b.OnCommit(func(e core.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.StreamId != "feed" {
			return
		}
		seen = append(seen, e.EventId)
		if len(seen) == 5 {
			close(done)
		}
	})

	fill(t, b, "feed", 5)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("change feed did not deliver all commits")
	}
	require.NoError(t, sub.Unsubscribe())

	mu.Lock()
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, seen)
	mu.Unlock()

	// A rejected insert is not a commit.
	require.ErrorIs(t, b.PutIfAbsent(ctx, event("feed", 0)), core.ErrEventExists)
	require.NoError(t, b.PutIfAbsent(ctx, event("feed", 5)))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 5)
}

func testByTime(t *testing.T, b Backend) {
	ctx := context.Background()
	fill(t, b, "timed", 5)
	fill(t, b, "other", 5)

	events, err := b.ByTime(ctx, "timed", base.Add(time.Second), base.Add(4*time.Second))
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		requireEvent(t, event("timed", int64(i+1)), e)
	}
}

func testWatermark(t *testing.T, b Backend) {
	ctx := context.Background()

	w, err := b.Watermark(ctx, "p", "s")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), w)

	require.NoError(t, b.SetWatermark(ctx, "p", "s", 0))
	require.NoError(t, b.SetWatermark(ctx, "p", "s", 3))
	require.NoError(t, b.SetWatermark(ctx, "p", "s", 1))

	w, err = b.Watermark(ctx, "p", "s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), w)

	w, err = b.Watermark(ctx, "other", "s")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), w)
}
