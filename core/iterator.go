package core

import (
	"context"
	"iter"
	"log/slog"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

const iteratePageSize = 100

// Iterate follows a stream starting at from. It yields every stored event and
// then waits for new commits, until ctx is done or the caller stops.
func Iterate(ctx context.Context, log EventLog, streamId string, from int64) iter.Seq2[*Event, error] {
	logger := slogctx.FromCtx(ctx)
	return func(yield func(*Event, error) bool) {
		pacer := time.NewTicker(5 * time.Second)
		defer pacer.Stop()

		continueSignal := make(chan struct{}, 1)
		sub := log.OnCommit(func(e Event) {
			if e.StreamId != streamId {
				return
			}
			select {
			case continueSignal <- struct{}{}:
			default:
			}
		})
		defer sub.Unsubscribe()

		next := from
		for {
			var foundAny bool

			select {
			case <-ctx.Done():
				return
			default:
			}

			// Drain the continue signal channel
		drain:
			for {
				select {
				case <-continueSignal:
					continue
				case <-pacer.C:
					continue
				default:
					break drain
				}
			}

			query := RangeQuery{StreamId: streamId, From: next, Limit: iteratePageSize}
			for {
				page, err := log.Range(ctx, query)
				if err != nil {
					logger.Error("Failed to read stream", slog.String("stream", streamId), slog.Any("error", err))
					yield(nil, err)
					return
				}
				for i := range page.Events {
					e := page.Events[i]
					if !yield(&e, nil) {
						return
					}
					next = e.EventId + 1
					foundAny = true
				}
				if page.Next == "" {
					break
				}
				query.After = page.Next
			}

			if foundAny {
				logger.Debug("iterate: found events, will not sleep", slog.String("stream", streamId))
				continue
			}

			logger.Debug("iterate: sleeping for new events", slog.String("stream", streamId))
			select {
			case <-ctx.Done():
				return
			case <-pacer.C:
			case <-continueSignal:
			}
		}
	}
}
