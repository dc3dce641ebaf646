package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shiva/taxiavail/pkg/geo"
)

// RedisMaxLatitude is the largest |latitude| Redis GEO commands accept.
const RedisMaxLatitude = 85.05112878

// RedisGeoIndex is a GeoIndex stored in a Redis GEO sorted set, with update
// timestamps (unix ms) in a companion hash.
type RedisGeoIndex struct {
	client        redis.UniversalClient
	geoKey        string
	lastUpdateKey string
	now           func() time.Time
}

// NewRedisGeoIndex creates an index over geoKey / lastUpdateKey.
func NewRedisGeoIndex(client redis.UniversalClient, geoKey, lastUpdateKey string, opts ...Option) *RedisGeoIndex {
	o := buildOptions(opts)
	return &RedisGeoIndex{
		client:        client,
		geoKey:        geoKey,
		lastUpdateKey: lastUpdateKey,
		now:           o.now,
	}
}

// Upsert writes the position and its timestamp in one MULTI/EXEC.
func (g *RedisGeoIndex) Upsert(ctx context.Context, key string, lon, lat float64) error {
	if err := geo.Validate(lon, lat); err != nil {
		return err
	}
	if lat > RedisMaxLatitude || lat < -RedisMaxLatitude {
		return fmt.Errorf("%w: latitude %v outside redis geo range", ErrInvalidCoordinate, lat)
	}

	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, g.geoKey, &redis.GeoLocation{Name: key, Longitude: lon, Latitude: lat})
		pipe.HSet(ctx, g.lastUpdateKey, key, g.now().UnixMilli())
		return nil
	})
	if err != nil {
		return storeErr("geo upsert "+key, err)
	}
	return nil
}

// Remove deletes the position and its timestamp.
func (g *RedisGeoIndex) Remove(ctx context.Context, key string) error {
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, g.geoKey, key)
		pipe.HDel(ctx, g.lastUpdateKey, key)
		return nil
	})
	if err != nil {
		return storeErr("geo remove "+key, err)
	}
	return nil
}

// Nearby runs GEORADIUS_RO. COUNT is not sent: Redis would cut ties at the
// limit arbitrarily, so the full in-radius set is sorted here instead.
func (g *RedisGeoIndex) Nearby(ctx context.Context, lon, lat, radiusMeters float64, limit int) ([]Neighbor, error) {
	if err := geo.Validate(lon, lat); err != nil {
		return nil, err
	}
	if radiusMeters < 0 {
		return nil, nil
	}
	if lat > RedisMaxLatitude || lat < -RedisMaxLatitude {
		return nil, fmt.Errorf("%w: latitude %v outside redis geo range", ErrInvalidCoordinate, lat)
	}

	locs, err := g.client.GeoRadius(ctx, g.geoKey, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, storeErr("geo nearby", err)
	}

	out := make([]Neighbor, 0, len(locs))
	for _, l := range locs {
		out = append(out, Neighbor{Key: l.Name, Lon: l.Longitude, Lat: l.Latitude, DistanceM: l.Dist})
	}
	sortNeighbors(out)
	return truncate(out, limit), nil
}

// Exists reports whether key is in the GEO set.
func (g *RedisGeoIndex) Exists(ctx context.Context, key string) (bool, error) {
	err := g.client.ZScore(ctx, g.geoKey, key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("geo exists "+key, err)
	}
	return true, nil
}

// Existing pipelines one ZSCORE per key against the GEO set.
func (g *RedisGeoIndex) Existing(ctx context.Context, keys []string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cmds := make([]*redis.FloatCmd, len(keys))
	_, err := g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.ZScore(ctx, g.geoKey, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeErr("geo exists", err)
	}

	for i, k := range keys {
		switch err := cmds[i].Err(); {
		case err == nil:
			out[k] = true
		case errors.Is(err, redis.Nil):
			out[k] = false
		default:
			return nil, storeErr("geo exists "+k, err)
		}
	}
	return out, nil
}

// Get returns the decoded position and last update of key.
func (g *RedisGeoIndex) Get(ctx context.Context, key string) (Entry, error) {
	var (
		posCmd *redis.GeoPosCmd
		tsCmd  *redis.StringCmd
	)
	_, err := g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		posCmd = pipe.GeoPos(ctx, g.geoKey, key)
		tsCmd = pipe.HGet(ctx, g.lastUpdateKey, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, storeErr("geo get "+key, err)
	}

	pos, err := posCmd.Result()
	if err != nil {
		return Entry{}, storeErr("geo get "+key, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return Entry{}, ErrNotFound
	}

	e := Entry{Key: key, Lon: pos[0].Longitude, Lat: pos[0].Latitude}
	if ts, err := tsCmd.Int64(); err == nil {
		e.UpdatedAt = time.UnixMilli(ts)
	}
	return e, nil
}

// LastUpdate reads the timestamp hash only.
func (g *RedisGeoIndex) LastUpdate(ctx context.Context, key string) (time.Time, error) {
	v, err := g.client.HGet(ctx, g.lastUpdateKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, storeErr("geo last update "+key, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("geo last update %s: %w: %q is not a timestamp", key, ErrStructuralMismatch, v)
	}
	return time.UnixMilli(ms), nil
}
