package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/checkin-reconciler/internal/clock"
)

// RedisStore keeps entries as Redis hashes with a native TTL.  Event tags
// are Redis sets holding the member keys of each event.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	clock  clock.Clock
}

// NewRedisStore returns a store namespacing every key under prefix.
func NewRedisStore(rdb *redis.Client, prefix string, clk clock.Clock) *RedisStore {
	if prefix == "" {
		prefix = "fresh"
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &RedisStore{rdb: rdb, prefix: prefix, clock: clk}
}

func (s *RedisStore) key(k string) string { return s.prefix + ":" + k }

func (s *RedisStore) tagKey(eventID uint64) string {
	return s.prefix + ":tag:event:" + strconv.FormatUint(eventID, 10)
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	vals, err := s.rdb.HMGet(ctx, s.key(key), "payload").Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get %s: %w", key, err)
	}
	if len(vals) == 0 || vals[0] == nil {
		return nil, false, nil
	}
	str, ok := vals[0].(string)
	if !ok {
		return nil, false, nil
	}
	return []byte(str), true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration, opts ...SetOption) error {
	if ttl <= 0 {
		return s.Invalidate(ctx, key)
	}
	o := applyOptions(opts)
	k := s.key(key)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, "payload", payload, "cached_at", s.clock.Now().UnixMilli())
	pipe.PExpire(ctx, k, ttl)
	if o.eventID != nil {
		pipe.SAdd(ctx, s.tagKey(*o.eventID), k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: redis invalidate %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) InvalidateEvent(ctx context.Context, eventID uint64) (int, error) {
	tag := s.tagKey(eventID)
	members, err := s.rdb.SMembers(ctx, tag).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: redis tag members %d: %w", eventID, err)
	}
	removed := int64(0)
	if len(members) > 0 {
		removed, err = s.rdb.Del(ctx, members...).Result()
		if err != nil {
			return 0, fmt.Errorf("cache: redis invalidate event %d: %w", eventID, err)
		}
	}
	if err := s.rdb.Del(ctx, tag).Err(); err != nil {
		return int(removed), fmt.Errorf("cache: redis drop tag %d: %w", eventID, err)
	}
	return int(removed), nil
}

func (s *RedisStore) Age(ctx context.Context, key string) (time.Duration, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key(key), "cached_at").Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache: redis age %s: %w", key, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return s.clock.Now().Sub(time.UnixMilli(ms)), true, nil
}

// SweepExpired relies on Redis for entry expiry and only prunes tag sets
// that still reference expired keys.  It returns the number of pruned
// references.
func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	pruned := 0
	var cursor uint64
	for {
		tags, next, err := s.rdb.Scan(ctx, cursor, s.prefix+":tag:event:*", 100).Result()
		if err != nil {
			return pruned, fmt.Errorf("cache: redis scan tags: %w", err)
		}
		for _, tag := range tags {
			members, err := s.rdb.SMembers(ctx, tag).Result()
			if err != nil {
				return pruned, fmt.Errorf("cache: redis tag members: %w", err)
			}
			for _, m := range members {
				n, err := s.rdb.Exists(ctx, m).Result()
				if err != nil {
					return pruned, fmt.Errorf("cache: redis exists: %w", err)
				}
				if n == 0 {
					if err := s.rdb.SRem(ctx, tag, m).Err(); err != nil {
						return pruned, fmt.Errorf("cache: redis prune tag: %w", err)
					}
					pruned++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return pruned, nil
		}
	}
}
