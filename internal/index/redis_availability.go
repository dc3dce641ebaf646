package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAvailabilitySet is an AvailabilitySet stored in a Redis sorted set.
// Scores are the unix ms of the first marking; only membership matters.
type RedisAvailabilitySet struct {
	client redis.UniversalClient
	key    string
	now    func() time.Time
}

// NewRedisAvailabilitySet creates a set stored under key.
func NewRedisAvailabilitySet(client redis.UniversalClient, key string, opts ...Option) *RedisAvailabilitySet {
	o := buildOptions(opts)
	return &RedisAvailabilitySet{client: client, key: key, now: o.now}
}

func (s *RedisAvailabilitySet) MarkUnavailable(ctx context.Context, key string) error {
	return s.MarkUnavailableBatch(ctx, []string{key})
}

func (s *RedisAvailabilitySet) MarkAvailable(ctx context.Context, key string) error {
	return s.MarkAvailableBatch(ctx, []string{key})
}

func (s *RedisAvailabilitySet) IsUnavailable(ctx context.Context, key string) (bool, error) {
	err := s.client.ZScore(ctx, s.key, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("availability lookup "+key, err)
	}
	return true, nil
}

// Unavailable pipelines one ZSCORE per key.
func (s *RedisAvailabilitySet) Unavailable(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cmds := make([]*redis.FloatCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.ZScore(ctx, s.key, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("availability lookup", err)
	}

	for i, k := range keys {
		err := cmds[i].Err()
		switch {
		case err == nil:
			out[k] = true
		case errors.Is(err, redis.Nil):
			out[k] = false
		default:
			return nil, storeErr("availability lookup "+k, err)
		}
	}
	return out, nil
}

// MarkUnavailableBatch is a single ZADD NX; existing scores are kept so
// repeated marking leaves the set unchanged.
func (s *RedisAvailabilitySet) MarkUnavailableBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	score := float64(s.now().UnixMilli())
	members := make([]redis.Z, len(keys))
	for i, k := range keys {
		members[i] = redis.Z{Score: score, Member: k}
	}
	if err := s.client.ZAddNX(ctx, s.key, members...).Err(); err != nil {
		return storeErr("availability mark unavailable", err)
	}
	return nil
}

// MarkAvailableBatch is a single ZREM.
func (s *RedisAvailabilitySet) MarkAvailableBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	if err := s.client.ZRem(ctx, s.key, members...).Err(); err != nil {
		return storeErr("availability mark available", err)
	}
	return nil
}

// Scan wraps ZSCAN; the numeric Redis cursor is carried as a string.
func (s *RedisAvailabilitySet) Scan(ctx context.Context, cursor string, count int) ([]string, string, error) {
	var c uint64
	if cursor != "" {
		var err error
		if c, err = strconv.ParseUint(cursor, 10, 64); err != nil {
			return nil, "", fmt.Errorf("availability scan: bad cursor %q: %w", cursor, err)
		}
	}

	pairs, next, err := s.client.ZScan(ctx, s.key, c, "", int64(count)).Result()
	if err != nil {
		return nil, "", storeErr("availability scan", err)
	}

	// ZSCAN replies member, score, member, score, ...
	keys := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		keys = append(keys, pairs[i])
	}
	if next == 0 {
		return keys, "", nil
	}
	return keys, strconv.FormatUint(next, 10), nil
}

// CheckStructure accepts a sorted set or a missing key.
func (s *RedisAvailabilitySet) CheckStructure(ctx context.Context) error {
	typ, err := s.client.Type(ctx, s.key).Result()
	if err != nil {
		return storeErr("availability type", err)
	}
	if typ != "zset" && typ != "none" {
		return fmt.Errorf("availability key %q is a %s: %w", s.key, typ, ErrStructuralMismatch)
	}
	return nil
}

// Reset deletes the key; the next write recreates it as a sorted set.
func (s *RedisAvailabilitySet) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return storeErr("availability reset", err)
	}
	return nil
}
