package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gehhilfe/eventlog/readmodel"
)

const defaultPrefix = "eventlog:"

// setWatermark raises the stored watermark and never lowers it.
var setWatermark = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current == false or tonumber(current) < tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// RedisItemStore keeps the items read model in one hash and the projection
// watermarks in one hash per projector.
type RedisItemStore struct {
	client *redis.Client
	prefix string
}

type Option func(*RedisItemStore)

// WithPrefix sets the prefix of every key. The default is "eventlog:".
func WithPrefix(prefix string) Option {
	return func(s *RedisItemStore) {
		s.prefix = prefix
	}
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}
	return client, nil
}

func NewRedisItemStore(client *redis.Client, opts ...Option) *RedisItemStore {
	s := &RedisItemStore{
		client: client,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisItemStore) itemsKey() string {
	return s.prefix + "items"
}

func (s *RedisItemStore) watermarksKey(projectorId string) string {
	return s.prefix + "watermarks:" + projectorId
}

func (s *RedisItemStore) Put(ctx context.Context, item readmodel.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := s.client.HSet(ctx, s.itemsKey(), item.ItemId, data).Err(); err != nil {
		return fmt.Errorf("failed to set item: %w", err)
	}
	return nil
}

func (s *RedisItemStore) SetAmount(ctx context.Context, itemId string, amount float64) error {
	return s.Put(ctx, readmodel.Item{ItemId: itemId, Amount: amount})
}

func (s *RedisItemStore) Delete(ctx context.Context, itemId string) error {
	if err := s.client.HDel(ctx, s.itemsKey(), itemId).Err(); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (s *RedisItemStore) List(ctx context.Context) ([]readmodel.Item, error) {
	values, err := s.client.HGetAll(ctx, s.itemsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	items := make([]readmodel.Item, 0, len(values))
	for _, data := range values {
		var item readmodel.Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item: %w", err)
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b readmodel.Item) int {
		return strings.Compare(a.ItemId, b.ItemId)
	})
	return items, nil
}

func (s *RedisItemStore) Watermark(ctx context.Context, projectorId, streamId string) (int64, error) {
	value, err := s.client.HGet(ctx, s.watermarksKey(projectorId), streamId).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get watermark: %w", err)
	}
	watermark, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid watermark %q: %w", value, err)
	}
	return watermark, nil
}

func (s *RedisItemStore) SetWatermark(ctx context.Context, projectorId, streamId string, eventId int64) error {
	err := setWatermark.Run(ctx, s.client, []string{s.watermarksKey(projectorId)}, streamId, eventId).Err()
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}
