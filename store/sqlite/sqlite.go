// Package sqlite provides a SQLite-backed event log.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/huandu/go-sqlbuilder"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/gehhilfe/eventlog/core"
)

//go:embed schema.sql
var schema string

// EventLog persists streams in a single SQLite file. The change feed is
// process local.
type EventLog struct {
	sqlDB *sql.DB

	commitMu    sync.Mutex
	cbMu        sync.Mutex
	onCommitCbs map[int]func(core.Event)
	nextCbId    int
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite event log and creates its tables.
func Open(path string) (*EventLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &EventLog{
		sqlDB:       sqlDB,
		onCommitCbs: make(map[int]func(core.Event)),
	}, nil
}

// Close closes the SQLite handle.
func (s *EventLog) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isBusyError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_BUSY || code == sqlite3lib.SQLITE_LOCKED
}

// classify maps driver errors onto the core error kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isBusyError(err):
		return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
	case isConstraintError(err):
		return core.ErrEventExists
	default:
		return err
	}
}

func selectEvents() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("stream_id", "event_id", "type", "data", "created_at")
	sb.From("events")
	return sb
}

func scanEvents(rows *sql.Rows) ([]core.Event, error) {
	defer rows.Close()
	var events []core.Event
	for rows.Next() {
		var (
			e         core.Event
			data      string
			createdAt int64
		)
		if err := rows.Scan(&e.StreamId, &e.EventId, &e.Type, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = []byte(data)
		e.Timestamp = fromMillis(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *EventLog) query(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]core.Event, error) {
	query, args := sb.Build()
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return scanEvents(rows)
}

func (s *EventLog) Last(ctx context.Context, streamId string) (core.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Event{}, false, err
	}
	sb := selectEvents()
	sb.Where(sb.Equal("stream_id", streamId))
	sb.OrderBy("event_id").Desc().Limit(1)

	events, err := s.query(ctx, sb)
	if err != nil || len(events) == 0 {
		return core.Event{}, false, err
	}
	return events[0], true, nil
}

func (s *EventLog) PutIfAbsent(ctx context.Context, event core.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("events")
	ib.Cols("stream_id", "event_id", "type", "data", "created_at")
	ib.Values(event.StreamId, event.EventId, event.Type, string(event.Data), toMillis(event.Timestamp))
	ib.SQL("ON CONFLICT (stream_id, event_id) DO NOTHING")
	query, args := ib.Build()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrEventExists
	}

	s.cbMu.Lock()
	ids := make([]int, 0, len(s.onCommitCbs))
	for id := range s.onCommitCbs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	cbs := make([]func(core.Event), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, s.onCommitCbs[id])
	}
	s.cbMu.Unlock()

	for _, cb := range cbs {
		cb(event)
	}
	return nil
}

func (s *EventLog) Range(ctx context.Context, q core.RangeQuery) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return core.Page{}, err
	}
	start, err := q.Start()
	if err != nil {
		return core.Page{}, err
	}
	sb := selectEvents()
	sb.Where(sb.Equal("stream_id", q.StreamId), sb.GreaterEqualThan("event_id", start))
	sb.OrderBy("event_id").Asc()
	if q.Limit > 0 {
		sb.Limit(q.Limit)
	}

	events, err := s.query(ctx, sb)
	if err != nil {
		return core.Page{}, err
	}
	return core.Page{Events: events, Next: core.NextCursor(events, q.Limit)}, nil
}

func (s *EventLog) ByTime(ctx context.Context, streamId string, from, to time.Time) ([]core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sb := selectEvents()
	sb.Where(
		sb.Equal("stream_id", streamId),
		sb.GreaterEqualThan("created_at", toMillis(from)),
		sb.LessThan("created_at", toMillis(to)),
	)
	sb.OrderBy("created_at", "event_id").Asc()
	return s.query(ctx, sb)
}

func (s *EventLog) OnCommit(cb func(core.Event)) core.Unsubscriber {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	id := s.nextCbId
	s.nextCbId++
	s.onCommitCbs[id] = cb
	return core.UnsubscribeFunc(func() error {
		s.cbMu.Lock()
		defer s.cbMu.Unlock()
		delete(s.onCommitCbs, id)
		return nil
	})
}

func (s *EventLog) Watermark(ctx context.Context, projectorId, streamId string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("event_id").From("projection_watermarks")
	sb.Where(sb.Equal("projector_id", projectorId), sb.Equal("stream_id", streamId))
	query, args := sb.Build()

	var watermark int64
	err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return watermark, nil
}

func (s *EventLog) SetWatermark(ctx context.Context, projectorId, streamId string, eventId int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("projection_watermarks")
	ib.Cols("projector_id", "stream_id", "event_id")
	ib.Values(projectorId, streamId, eventId)
	ib.SQL("ON CONFLICT (projector_id, stream_id) DO UPDATE SET event_id = excluded.event_id WHERE excluded.event_id > projection_watermarks.event_id")
	query, args := ib.Build()

	_, err := s.sqlDB.ExecContext(ctx, query, args...)
	return classify(err)
}
