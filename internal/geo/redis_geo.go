package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// RedisClient is the subset of go-redis the index needs; *redis.Client
// satisfies it and tests substitute a fake.
type RedisClient interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	GeoSearchLocation(ctx context.Context, key string, q *redis.GeoSearchLocationQuery) *redis.GeoSearchLocationCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGeo implements Index using Redis GEO commands, one sorted set per kind.
type RedisGeo struct {
	client RedisClient
	prefix string
}

func NewRedisGeo(client RedisClient, prefix string) *RedisGeo {
	if prefix == "" {
		prefix = "geo"
	}
	return &RedisGeo{client: client, prefix: prefix}
}

func (r *RedisGeo) key(kind Kind) string { return r.prefix + ":" + string(kind) }

func (r *RedisGeo) metaKey(id string) string { return r.prefix + ":meta:" + id }

func (r *RedisGeo) Upsert(ctx context.Context, kind Kind, s models.LocationSample) error {
	const op = "geo.RedisGeo.Upsert"
	if err := s.Loc.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	stale, err := r.olderThanStored(ctx, s)
	if err != nil {
		return apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	if stale {
		return nil
	}
	if err := r.client.GeoAdd(ctx, r.key(kind), &redis.GeoLocation{Longitude: s.Loc.Lng, Latitude: s.Loc.Lat, Name: s.UserID}).Err(); err != nil {
		return apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	err = r.client.HSet(ctx, r.metaKey(s.UserID),
		"kind", string(kind),
		"lat", strconv.FormatFloat(s.Loc.Lat, 'f', -1, 64),
		"lng", strconv.FormatFloat(s.Loc.Lng, 'f', -1, 64),
		"updated", s.UpdatedAt.Format(time.RFC3339Nano),
	).Err()
	return apperr.FromBackend(op, err, apperr.KindUnavailable)
}

// olderThanStored reports whether the index already holds a later fix for
// s.UserID. The check and the write are not atomic; per-user ordering on the
// location topic keeps the consumer from racing itself.
func (r *RedisGeo) olderThanStored(ctx context.Context, s models.LocationSample) (bool, error) {
	v, err := r.client.HGet(ctx, r.metaKey(s.UserID), "updated").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	stored, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		// unreadable meta is overwritten
		return false, nil
	}
	return stored.After(s.UpdatedAt), nil
}

func (r *RedisGeo) Remove(ctx context.Context, kind Kind, id string) error {
	const op = "geo.RedisGeo.Remove"
	if err := r.client.ZRem(ctx, r.key(kind), id).Err(); err != nil {
		return apperr.FromBackend(op, err, apperr.KindUnavailable)
	}
	return apperr.FromBackend(op, r.client.Del(ctx, r.metaKey(id)).Err(), apperr.KindUnavailable)
}

func (r *RedisGeo) Nearby(ctx context.Context, q Query) ([]models.Candidate, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		observability.GeoQueryLatency.WithLabelValues("redis", string(q.Kind)).Observe(time.Since(start).Seconds())
	}()

	res, err := r.client.GeoSearchLocation(ctx, r.key(q.Kind), &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Center.Lng,
			Latitude:   q.Center.Lat,
			Radius:     q.RadiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      q.Limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, apperr.FromBackend("geo.RedisGeo.Nearby", err, apperr.KindUnavailable)
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, models.Candidate{ID: g.Name, DistanceMeters: g.Dist})
	}
	// redis already sorts ASC; re-sorting settles equal distances by id
	SortCandidates(out)
	return out, nil
}
