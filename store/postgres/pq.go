package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/gehhilfe/eventlog/core"
)

const commitChannel = "eventlog_commit"

type EventLog struct {
	db     *sql.DB
	uri    string
	logger *slog.Logger

	listen   bool
	listener *pq.Listener
	done     chan struct{}

	commitMu    sync.Mutex
	cbMu        sync.Mutex
	onCommitCbs map[int]func(core.Event)
	nextCbId    int
}

type Option func(*EventLog)

func WithLogger(logger *slog.Logger) Option {
	return func(s *EventLog) {
		s.logger = logger
	}
}

// WithNotifications feeds OnCommit from LISTEN/NOTIFY, so commits of every
// process sharing the database are observed instead of only local ones.
func WithNotifications() Option {
	return func(s *EventLog) {
		s.listen = true
	}
}

func (s *EventLog) DB() *sql.DB {
	return s.db
}

func NewEventLog(uri string, opts ...Option) (*EventLog, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	s := &EventLog{
		db:          db,
		uri:         uri,
		logger:      slog.Default(),
		onCommitCbs: make(map[int]func(core.Event)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if s.listen {
		if err := s.startListener(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *EventLog) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Serialize concurrent schema setup of several processes.
	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(7346011)`); err != nil {
		return fmt.Errorf("failed to lock schema: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			stream_id TEXT NOT NULL,
			event_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (stream_id, event_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	_, err = tx.Exec(`
		CREATE INDEX IF NOT EXISTS events_stream_id_created_at_idx ON events (stream_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create index on stream_id and created_at: %w", err)
	}

	_, err = tx.Exec(`
		CREATE TABLE IF NOT EXISTS projection_watermarks (
			projector_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			event_id BIGINT NOT NULL,
			PRIMARY KEY (projector_id, stream_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create projection_watermarks table: %w", err)
	}

	// Prevent all delete and update on events table with before trigger
	_, err = tx.Exec(`
	CREATE OR REPLACE FUNCTION prevent_delete_update_on_events()
	RETURNS TRIGGER AS $$
	BEGIN
		RAISE EXCEPTION 'Delete and update are not allowed on events table';
	END;
	$$ LANGUAGE plpgsql;`)
	if err != nil {
		return fmt.Errorf("failed to create or replace function prevent_delete_update_on_events: %w", err)
	}

	_, err = tx.Exec(`
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_trigger
		WHERE tgname = 'prevent_delete_update_on_events'
	) THEN
		CREATE TRIGGER prevent_delete_update_on_events
		BEFORE DELETE OR UPDATE ON events
		FOR EACH STATEMENT
		EXECUTE FUNCTION prevent_delete_update_on_events();
	END IF;
END $$;
	`)
	if err != nil {
		return fmt.Errorf("failed to create or replace trigger prevent_delete_update_on_events: %w", err)
	}

	// Payloads are capped at 8000 bytes, so only the key is sent.
	_, err = tx.Exec(`
	CREATE OR REPLACE FUNCTION notify_event_commit()
	RETURNS TRIGGER AS $$
	BEGIN
		PERFORM pg_notify('` + commitChannel + `', json_build_object('streamId', NEW.stream_id, 'eventId', NEW.event_id)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;`)
	if err != nil {
		return fmt.Errorf("failed to create or replace function notify_event_commit: %w", err)
	}

	_, err = tx.Exec(`
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_trigger
		WHERE tgname = 'notify_event_commit'
	) THEN
		CREATE TRIGGER notify_event_commit
		AFTER INSERT ON events
		FOR EACH ROW
		EXECUTE FUNCTION notify_event_commit();
	END IF;
END $$;
	`)
	if err != nil {
		return fmt.Errorf("failed to create or replace trigger notify_event_commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *EventLog) Close() error {
	if s.listener != nil {
		close(s.done)
		s.listener.Close()
	}
	return s.db.Close()
}

// classify maps driver errors onto the core error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return core.ErrEventExists
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "53",
			pqErr.Code == "40001", pqErr.Code == "40P01":
			return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
		}
	}
	return err
}

func selectEvents() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("stream_id", "event_id", "type", "data", "created_at")
	sb.From("events")
	return sb
}

func (s *EventLog) query(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]core.Event, error) {
	query, args := sb.Build()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var (
			e    core.Event
			data string
		)
		if err := rows.Scan(&e.StreamId, &e.EventId, &e.Type, &data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Data = []byte(data)
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, classify(rows.Err())
}

func (s *EventLog) Last(ctx context.Context, streamId string) (core.Event, bool, error) {
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
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("events")
	ib.Cols("stream_id", "event_id", "type", "data", "created_at")
	ib.Values(event.StreamId, event.EventId, event.Type, string(event.Data), event.Timestamp.UTC())
	ib.SQL("ON CONFLICT (stream_id, event_id) DO NOTHING")
	query, args := ib.Build()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
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

	if !s.listen {
		s.committed(event)
	}
	return nil
}

func (s *EventLog) Range(ctx context.Context, q core.RangeQuery) (core.Page, error) {
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
	sb := selectEvents()
	sb.Where(
		sb.Equal("stream_id", streamId),
		sb.GreaterEqualThan("created_at", from.UTC()),
		sb.LessThan("created_at", to.UTC()),
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

func (s *EventLog) committed(event core.Event) {
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
}

type commitNotification struct {
	StreamId string `json:"streamId"`
	EventId  int64  `json:"eventId"`
}

func (s *EventLog) startListener() error {
	s.listener = pq.NewListener(s.uri, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("commit listener", slog.Int("event", int(ev)), slog.Any("error", err))
		}
	})
	if err := s.listener.Listen(commitChannel); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", commitChannel, err)
	}
	s.done = make(chan struct{})
	go s.forwardCommits()
	return nil
}

func (s *EventLog) forwardCommits() {
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect, commits may have been missed.
			if n == nil {
				s.logger.Warn("commit listener reconnected, change feed may have gaps")
				continue
			}
			var key commitNotification
			if err := json.Unmarshal([]byte(n.Extra), &key); err != nil {
				s.logger.Error("invalid commit notification", slog.String("payload", n.Extra), slog.Any("error", err))
				continue
			}
			events, err := s.Range(ctx, core.RangeQuery{StreamId: key.StreamId, From: key.EventId, Limit: 1})
			if err != nil || len(events.Events) == 0 {
				s.logger.Error("failed to load committed event", slog.String("stream", key.StreamId), slog.Int64("eventId", key.EventId), slog.Any("error", err))
				continue
			}
			s.committed(events.Events[0])
		case <-time.After(90 * time.Second):
			go s.listener.Ping()
		}
	}
}

func (s *EventLog) Watermark(ctx context.Context, projectorId, streamId string) (int64, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("event_id").From("projection_watermarks")
	sb.Where(sb.Equal("projector_id", projectorId), sb.Equal("stream_id", streamId))
	query, args := sb.Build()

	var watermark int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&watermark)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return watermark, nil
}

func (s *EventLog) SetWatermark(ctx context.Context, projectorId, streamId string, eventId int64) error {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("projection_watermarks")
	ib.Cols("projector_id", "stream_id", "event_id")
	ib.Values(projectorId, streamId, eventId)
	ib.SQL("ON CONFLICT (projector_id, stream_id) DO UPDATE SET event_id = EXCLUDED.event_id WHERE projection_watermarks.event_id < EXCLUDED.event_id")
	query, args := ib.Build()

	_, err := s.db.ExecContext(ctx, query, args...)
	return classify(err)
}
