package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Driver metadata that GEO
// sets cannot hold (availability, rating) lives in a hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(d models.DriverPos) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, MetaKey(d.ID), MetaFields(d)).Err()
}

// MetaFields encodes the driver meta hash. Every writer of the hash (this
// index and the location consumer) must go through it so the string encoding
// stays in step with the parsing in Nearby; in particular availability is the
// literal "true"/"false", not a numeric bool.
func MetaFields(d models.DriverPos) map[string]interface{} {
	return map[string]interface{}{
		"rating":    fmt.Sprintf("%f", d.Rating),
		"available": strconv.FormatBool(d.Available),
		"updated":   time.Now().Format(time.RFC3339),
	}
}

func (r *RedisGeo) Remove(id string) {
	_ = r.client.ZRem(r.ctx, r.key, id).Err()
	_ = r.client.Del(r.ctx, MetaKey(id)).Err()
}

func (r *RedisGeo) Nearby(lat, lon, radiusMeters float64, limit int) []models.DriverPos {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusMeters,
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.DriverPos, 0, len(res))
	for _, g := range res {
		d := models.DriverPos{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, MetaKey(g.Name)).Result(); err == nil {
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.Rating = f
				}
			}
			if v, ok := m["available"]; ok {
				d.Available = v == "true"
			}
		}
		if !d.Available {
			continue
		}
		out = append(out, d)
	}
	return out
}

// MetaKey is the per-driver meta hash key, shared with the location consumer.
func MetaKey(id string) string { return "driver:meta:" + id }
