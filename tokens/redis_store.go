package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	usageKeyPrefix    = "jobflow:tokens:usage:"
	settingsKeyPrefix = "jobflow:tokens:settings:"
)

// usageRetention bounds how long usage rows are kept; the month window is
// the longest anyone sums over.
const usageRetention = 31 * 24 * time.Hour

// RedisUsageStore keeps usage rows in a per-user sorted set scored by
// nanosecond timestamp, so window sums are a single range read.
type RedisUsageStore struct {
	client *redis.Client
}

// NewRedisUsageStore creates a usage store over an existing client.
func NewRedisUsageStore(client *redis.Client) *RedisUsageStore {
	return &RedisUsageStore{client: client}
}

func (s *RedisUsageStore) Record(ctx context.Context, rec UsageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling usage record: %w", err)
	}
	key := usageKeyPrefix + rec.UserID
	now := rec.CreatedAt
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: data,
	})
	pipe.ZRemRangeByScore(ctx, key, "0",
		strconv.FormatInt(now.Add(-usageRetention).UnixNano(), 10))
	pipe.Expire(ctx, key, usageRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}
	return nil
}

func (s *RedisUsageStore) SumSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	records, err := s.ListSince(ctx, userID, since)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, rec := range records {
		sum += int64(rec.TotalTokens)
	}
	return sum, nil
}

func (s *RedisUsageStore) ListSince(ctx context.Context, userID string, since time.Time) ([]UsageRecord, error) {
	members, err := s.client.ZRangeByScore(ctx, usageKeyPrefix+userID, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading usage records: %w", err)
	}
	records := make([]UsageRecord, 0, len(members))
	for _, m := range members {
		var rec UsageRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// RedisSettingsStore keeps per-user limit settings as JSON values; unknown
// users get the defaults.
type RedisSettingsStore struct {
	client *redis.Client
}

// NewRedisSettingsStore creates a settings store over an existing client.
func NewRedisSettingsStore(client *redis.Client) *RedisSettingsStore {
	return &RedisSettingsStore{client: client}
}

func (s *RedisSettingsStore) Get(ctx context.Context, userID string) (Settings, error) {
	data, err := s.client.Get(ctx, settingsKeyPrefix+userID).Bytes()
	if err == redis.Nil {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("loading token settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("unmarshaling token settings: %w", err)
	}
	return settings, nil
}

func (s *RedisSettingsStore) Put(ctx context.Context, userID string, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling token settings: %w", err)
	}
	if err := s.client.Set(ctx, settingsKeyPrefix+userID, data, 0).Err(); err != nil {
		return fmt.Errorf("saving token settings: %w", err)
	}
	return nil
}
