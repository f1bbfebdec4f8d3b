package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, e.g. "steward:"
}

// RedisStore keeps each thread as a Redis list of JSON records, newest
// last, with a sorted set indexing threads by update time.
//
// Keys:
//
//	{prefix}thread:{id}   list of records, trimmed to KeepVersions
//	{prefix}version:{id}  version counter
//	{prefix}threads       sorted set of thread ids scored by UnixNano
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ownsDB bool
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := NewRedisStore(rdb, cfg.Prefix)
	s.ownsDB = true
	return s, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) threadKey(id string) string  { return s.prefix + "thread:" + id }
func (s *RedisStore) versionKey(id string) string { return s.prefix + "version:" + id }
func (s *RedisStore) indexKey() string            { return s.prefix + "threads" }

// Append stores data as the thread's next version.
func (s *RedisStore) Append(ctx context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error) {
	version, err := s.rdb.Incr(ctx, s.versionKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr version: %w", err)
	}
	rec, err := newRecord(threadID, int(version), data, messageCount)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	key := s.threadKey(threadID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		pipe.LTrim(ctx, key, -KeepVersions, -1)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: threadID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}
	return rec.checkpoint(false)
}

// Put overwrites the latest version in place.
func (s *RedisStore) Put(ctx context.Context, threadID string, data []byte, messageCount int) (*Checkpoint, error) {
	key := s.threadKey(threadID)
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("llen: %w", err)
	}
	if n == 0 {
		return s.Append(ctx, threadID, data, messageCount)
	}

	version, err := s.rdb.Get(ctx, s.versionKey(threadID)).Int()
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	rec, err := newRecord(threadID, version, data, messageCount)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LSet(ctx, key, -1, raw)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: threadID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("put: %w", err)
	}
	return rec.checkpoint(false)
}

func (s *RedisStore) latestRecord(ctx context.Context, threadID string) (*record, error) {
	raw, err := s.rdb.LIndex(ctx, s.threadKey(threadID), -1).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lindex: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Latest returns the newest checkpoint for the thread.
func (s *RedisStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	rec, err := s.latestRecord(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return rec.checkpoint(true)
}

// Threads lists threads, most recently updated first.
func (s *RedisStore) Threads(ctx context.Context, limit int) ([]Thread, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}

	threads := make([]Thread, 0, len(ids))
	for _, id := range ids {
		rec, err := s.latestRecord(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		threads = append(threads, Thread{
			ID:           id,
			Version:      rec.Version,
			MessageCount: rec.MessageCount,
			UpdatedAt:    rec.CreatedAt,
		})
	}
	return threads, nil
}

// Delete removes every version of a thread.
func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	n, err := s.rdb.Del(ctx, s.threadKey(threadID), s.versionKey(threadID)).Result()
	if err != nil {
		return fmt.Errorf("del: %w", err)
	}
	if err := s.rdb.ZRem(ctx, s.indexKey(), threadID).Err(); err != nil {
		return fmt.Errorf("zrem: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune removes threads idle for longer than olderThan.
func (s *RedisStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixNano()
	ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.threadKey(id), s.versionKey(id))
			pipe.ZRem(ctx, s.indexKey(), id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return len(ids), nil
}

// Close closes the client if the store opened it.
func (s *RedisStore) Close() error {
	if s.ownsDB {
		return s.rdb.Close()
	}
	return nil
}
