// Package coordination wraps the shared key-value store spec.md §6 requires
// for cross-process state: rate-limit windows (§4.3), pool allocation and
// worker records (§4.6). It is implemented over Redis, the coordination
// backend the wider example pack reaches for (see zombar-textanalyzer's
// asynq/Redis worker, cited in DESIGN.md, and KuanyshMaral-mwork-backend's
// redis.Client usage).
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin typed wrapper over a Redis client. Every method maps
// directly onto one spec §6 primitive ("atomic increment", "hash fields",
// "key TTL") rather than exposing the Redis command surface wholesale.
type Store struct {
	rdb *redis.Client
}

// Open connects to Redis at addr and pings it, returning an error if the
// server cannot be reached.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordination: connecting to redis: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

// FromClient wraps an already-constructed redis client, letting tests hand
// in a miniredis-backed client without going through Open.
func FromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// IncrBy atomically increments key by delta and sets key's expiry to
// expiry, refreshing the TTL on every call, including when the key already
// exists. Used by
// the Rate Limiter for per-window request/token counters (spec §4.3).
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, expiry time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("coordination: incrementing %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Get reads a plain string value, returning "" with no error if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("coordination: getting %s: %w", key, err)
	}
	return v, nil
}

// Set writes a plain string value with a TTL. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("coordination: setting %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coordination: deleting %s: %w", key, err)
	}
	return nil
}

// HSet writes one or more hash fields (used for WorkerRecord, spec §4.6).
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("coordination: hset %s: %w", key, err)
	}
	return nil
}

// HGetAll reads every field of a hash, or an empty map if the key is absent.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("coordination: hgetall %s: %w", key, err)
	}
	return m, nil
}

// HDelete removes a hash key entirely (a worker deregistering, spec §4.6).
func (s *Store) HDelete(ctx context.Context, key string) error {
	return s.Delete(ctx, key)
}

// Expire sets or refreshes a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("coordination: expiring %s: %w", key, err)
	}
	return nil
}

// Keys lists every key matching a glob pattern (used to enumerate live
// worker records for Pool Manager rebalancing, spec §4.6). Redis KEYS is
// unsuitable for large keyspaces in production; the worker-record keyspace
// here is bounded by pool size so a full scan is acceptable.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("coordination: listing keys %s: %w", pattern, err)
	}
	return keys, nil
}
