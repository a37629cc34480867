package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisPositions mirrors live vehicle positions into Redis GEO so that
// read-side consumers (maps, dashboards) can query them without the service.
type RedisPositions struct {
	client *redis.Client
	key    string
}

func NewRedisPositions(addr, password, key string) *RedisPositions {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisPositions{client: c, key: key}
}

func (r *RedisPositions) Client() *redis.Client { return r.client }

func (r *RedisPositions) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.client.GeoAdd(ctx, key, loc).Err()
}

func (r *RedisPositions) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.client.HSet(ctx, key, values).Err()
}

// Record stores the position and the booking it is serving.
func (r *RedisPositions) Record(ctx context.Context, vehicleID, bookingID string, c models.Coord) error {
	if err := r.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: vehicleID}); err != nil {
		return err
	}
	return r.HSet(ctx, MetaKey(vehicleID), map[string]interface{}{
		"booking_id": bookingID,
		"loc":        FormatCoord(c),
		"updated":    time.Now().Format(time.RFC3339),
	})
}

// Position returns the last recorded position of a vehicle.
func (r *RedisPositions) Position(ctx context.Context, vehicleID string) (models.Coord, bool, error) {
	res, err := r.client.GeoPos(ctx, r.key, vehicleID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Coord{}, false, nil
		}
		return models.Coord{}, false, err
	}
	if len(res) == 0 || res[0] == nil {
		return models.Coord{}, false, nil
	}
	return models.Coord{Lat: res[0].Latitude, Lon: res[0].Longitude}, true, nil
}

// Serving returns the booking id last recorded for a vehicle.
func (r *RedisPositions) Serving(ctx context.Context, vehicleID string) (string, error) {
	m, err := r.client.HGetAll(ctx, MetaKey(vehicleID)).Result()
	if err != nil {
		return "", err
	}
	return m["booking_id"], nil
}

func (r *RedisPositions) Close() error { return r.client.Close() }

func MetaKey(id string) string { return "vehicle:meta:" + id }

// FormatCoord renders a coordinate the way it is stored in hash fields.
func FormatCoord(c models.Coord) string {
	return strconv.FormatFloat(c.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lon, 'f', 6, 64)
}
