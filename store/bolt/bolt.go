package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gehhilfe/eventlog/core"
)

const (
	streamsBucketName    = "streams"
	byTimeBucketName     = "by_time"
	watermarksBucketName = "watermarks"
)

type boltEvent struct {
	Type      string
	Timestamp time.Time
	Data      []byte
}

// BoltEventLog stores one nested bucket per stream, keyed by the big endian
// event id so that bucket order is stream order.
type BoltEventLog struct {
	db *bbolt.DB

	// commitMu orders commits with their callbacks.
	commitMu    sync.Mutex
	cbMu        sync.Mutex
	onCommitCbs map[int]func(core.Event)
	nextCbId    int
}

func NewBoltEventLog(path string) (*BoltEventLog, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{streamsBucketName, byTimeBucketName, watermarksBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("could not create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltEventLog{
		db:          db,
		onCommitCbs: make(map[int]func(core.Event)),
	}, nil
}

func (s *BoltEventLog) Close() error {
	return s.db.Close()
}

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func timeKey(streamId string, ts time.Time, eventId int64) []byte {
	key := make([]byte, 0, len(streamId)+17)
	key = append(key, streamId...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano()))
	key = binary.BigEndian.AppendUint64(key, uint64(eventId))
	return key
}

func watermarkKey(projectorId, streamId string) []byte {
	return []byte(projectorId + "\x00" + streamId)
}

func decode(streamId string, k, v []byte) (core.Event, error) {
	var be boltEvent
	if err := json.Unmarshal(v, &be); err != nil {
		return core.Event{}, fmt.Errorf("could not deserialize event: %w", err)
	}
	return core.Event{
		StreamId:  streamId,
		EventId:   int64(binary.BigEndian.Uint64(k)),
		Type:      be.Type,
		Data:      be.Data,
		Timestamp: be.Timestamp,
	}, nil
}

func (s *BoltEventLog) Last(ctx context.Context, streamId string) (core.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.Event{}, false, err
	}
	var (
		event core.Event
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(streamsBucketName)).Bucket([]byte(streamId))
		if bucket == nil {
			return nil
		}
		k, v := bucket.Cursor().Last()
		if k == nil {
			return nil
		}
		var err error
		event, err = decode(streamId, k, v)
		found = err == nil
		return err
	})
	return event, found, err
}

func (s *BoltEventLog) PutIfAbsent(ctx context.Context, event core.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.StreamId == "" {
		return errors.New("stream id is required")
	}
	value, err := json.Marshal(boltEvent{
		Type:      event.Type,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	})
	if err != nil {
		return fmt.Errorf("could not serialize event: %w", err)
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(streamsBucketName)).CreateBucketIfNotExists([]byte(event.StreamId))
		if err != nil {
			return fmt.Errorf("could not create stream bucket: %w", err)
		}
		key := itob(uint64(event.EventId))
		if bucket.Get(key) != nil {
			return core.ErrEventExists
		}
		if err := bucket.Put(key, value); err != nil {
			return err
		}
		return tx.Bucket([]byte(byTimeBucketName)).Put(timeKey(event.StreamId, event.Timestamp, event.EventId), key)
	})
	if err != nil {
		return err
	}

	s.cbMu.Lock()
	cbs := make([]func(core.Event), 0, len(s.onCommitCbs))
	for _, id := range sortedKeys(s.onCommitCbs) {
		cbs = append(cbs, s.onCommitCbs[id])
	}
	s.cbMu.Unlock()
	for _, cb := range cbs {
		cb(event)
	}
	return nil
}

func sortedKeys(m map[int]func(core.Event)) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *BoltEventLog) Range(ctx context.Context, query core.RangeQuery) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return core.Page{}, err
	}
	start, err := query.Start()
	if err != nil {
		return core.Page{}, err
	}
	if start < 0 {
		start = 0
	}

	var events []core.Event
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(streamsBucketName)).Bucket([]byte(query.StreamId))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(itob(uint64(start))); k != nil; k, v = cursor.Next() {
			e, err := decode(query.StreamId, k, v)
			if err != nil {
				return err
			}
			events = append(events, e)
			if query.Limit > 0 && len(events) == query.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return core.Page{}, err
	}
	return core.Page{Events: events, Next: core.NextCursor(events, query.Limit)}, nil
}

func (s *BoltEventLog) ByTime(ctx context.Context, streamId string, from, to time.Time) ([]core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := append([]byte(streamId), 0)
	upper := timeKey(streamId, to, 0)

	var events []core.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		stream := tx.Bucket([]byte(streamsBucketName)).Bucket([]byte(streamId))
		if stream == nil {
			return nil
		}
		cursor := tx.Bucket([]byte(byTimeBucketName)).Cursor()
		for k, _ := cursor.Seek(timeKey(streamId, from, 0)); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if bytes.Compare(k, upper) >= 0 {
				break
			}
			id := k[len(k)-8:]
			e, err := decode(streamId, id, stream.Get(id))
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return nil
	})
	return events, err
}

func (s *BoltEventLog) OnCommit(cb func(core.Event)) core.Unsubscriber {
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

func (s *BoltEventLog) Watermark(ctx context.Context, projectorId, streamId string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	watermark := int64(-1)
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(watermarksBucketName)).Get(watermarkKey(projectorId, streamId))
		if v != nil {
			watermark = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return watermark, err
}

func (s *BoltEventLog) SetWatermark(ctx context.Context, projectorId, streamId string, eventId int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(watermarksBucketName))
		key := watermarkKey(projectorId, streamId)
		if v := bucket.Get(key); v != nil && int64(binary.BigEndian.Uint64(v)) >= eventId {
			return nil
		}
		return bucket.Put(key, itob(uint64(eventId)))
	})
}
