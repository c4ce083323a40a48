package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-relay/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands so other services
// (the order-management app, the consumer) share one view of the fleet.
type RedisGeo struct {
	client redis.Cmdable
	key    string
}

// NewRedisGeoWithClient wraps an existing client; the caller owns it.
func NewRedisGeoWithClient(c redis.Cmdable, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
		p.SAdd(ctx, AvailableKey, driverID)
		p.HSet(ctx, MetaKey(driverID), map[string]interface{}{"updated": time.Now().UTC().Format(time.RFC3339)})
		return nil
	})
	return err
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.SRem(ctx, AvailableKey, driverID)
		return nil
	})
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]Located, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}
	if radiusM <= 0 {
		// whole planet
		q.Radius = 20_100_000
	}
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	available, err := r.client.SMembers(ctx, AvailableKey).Result()
	if err != nil {
		return nil, err
	}
	avail := make(map[string]struct{}, len(available))
	for _, id := range available {
		avail[id] = struct{}{}
	}
	out := make([]Located, 0, len(res))
	for _, g := range res {
		if _, ok := avail[g.Name]; !ok {
			continue
		}
		out = append(out, Located{
			DriverID:  g.Name,
			Loc:       models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceM: g.Dist,
		})
	}
	return out, nil
}

// AvailableKey holds the ids of drivers currently broadcasting.
const AvailableKey = "available_drivers"

func MetaKey(id string) string { return "driver:meta:" + id }
