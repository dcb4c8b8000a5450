package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/gf5-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. It also holds the
// driver/vehicle position records that the tracker loop batch-writes.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

const availableSet = "drivers:available"

func (r *RedisGeo) Upsert(d models.Driver) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"name":    d.Name,
		"rating":  strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"status":  string(d.Status),
		"model":   d.Vehicle.Model,
		"plate":   d.Vehicle.LicensePlate,
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
	if d.Available() {
		_ = r.client.SAdd(r.ctx, availableSet, d.ID).Err()
	} else {
		_ = r.client.SRem(r.ctx, availableSet, d.ID).Err()
	}
}

func (r *RedisGeo) Nearby(lat, lon float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: 5000, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo radius query: %w", err)
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d, ok := r.hydrate(g.Name)
		if !ok || !d.Available() {
			continue
		}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		out = append(out, d)
	}
	return out, nil
}

// Available lists every driver in the availability set with its metadata and
// last known coordinates.
func (r *RedisGeo) Available() ([]models.Driver, error) {
	ids, err := r.client.SMembers(r.ctx, availableSet).Result()
	if err != nil {
		return nil, fmt.Errorf("availability set read: %w", err)
	}
	out := make([]models.Driver, 0, len(ids))
	for _, id := range ids {
		d, ok := r.hydrate(id)
		if !ok {
			continue
		}
		if pos, err := r.client.GeoPos(r.ctx, r.key, id).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
			d.Loc.Lat = pos[0].Latitude
			d.Loc.Lon = pos[0].Longitude
		}
		out = append(out, d)
	}
	return out, nil
}

// SetStatus writes the driver's availability state as one atomic request.
// The most recent write to reach Redis wins; there is no version check.
func (r *RedisGeo) SetStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey(driverID), "status", string(status))
		if status == models.StatusAvailable {
			pipe.SAdd(ctx, availableSet, driverID)
		} else {
			pipe.SRem(ctx, availableSet, driverID)
		}
		return nil
	})
	return err
}

// UpdatePosition commits one location sample to the driver record and the
// vehicle record as a single batch. The two records share the driver ID; the
// batch is atomic as a unit but a concurrent reader may still observe one
// record updated and the other stale.
func (r *RedisGeo) UpdatePosition(ctx context.Context, driverID string, pos models.Position) error {
	fields := map[string]interface{}{
		"latitude":  strconv.FormatFloat(pos.Lat, 'f', -1, 64),
		"longitude": strconv.FormatFloat(pos.Lon, 'f', -1, 64),
		"timestamp": strconv.FormatInt(pos.Timestamp.UnixMilli(), 10),
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, driverPosKey(driverID), fields)
		pipe.HSet(ctx, vehiclePosKey(driverID), fields)
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: pos.Lon, Latitude: pos.Lat, Name: driverID})
		return nil
	})
	return err
}

// Position reads back the driver record's last committed sample.
func (r *RedisGeo) Position(ctx context.Context, driverID string) (models.Position, bool, error) {
	m, err := r.client.HGetAll(ctx, driverPosKey(driverID)).Result()
	if err != nil {
		return models.Position{}, false, err
	}
	if len(m) == 0 {
		return models.Position{}, false, nil
	}
	var p models.Position
	p.Lat, _ = strconv.ParseFloat(m["latitude"], 64)
	p.Lon, _ = strconv.ParseFloat(m["longitude"], 64)
	if ms, err := strconv.ParseInt(m["timestamp"], 10, 64); err == nil {
		p.Timestamp = time.UnixMilli(ms)
	}
	return p, true, nil
}

func (r *RedisGeo) hydrate(id string) (models.Driver, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(id)).Result()
	if err != nil || len(m) == 0 {
		return models.Driver{}, false
	}
	d := models.Driver{ID: id, Name: m["name"]}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["status"]; ok {
		if st, err := models.ParseDriverStatus(v); err == nil {
			d.Status = st
		}
	}
	d.Vehicle.Model = m["model"]
	d.Vehicle.LicensePlate = m["plate"]
	return d, true
}

func metaKey(id string) string       { return "driver:meta:" + id }
func driverPosKey(id string) string  { return "driver:pos:" + id }
func vehiclePosKey(id string) string { return "vehicle:pos:" + id }
