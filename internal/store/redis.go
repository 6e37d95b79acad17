package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"bus-monitor/alerting/internal/config"
	"bus-monitor/alerting/internal/domain"
)

const (
	locationGeoKey   = "bus_locations:geo"
	locationChannel  = "bus_locations:updates"
	AlertChannel     = "driver_alerts"
	apiKeyPrefix     = "busalert:auth:"
	alertClaimPrefix = "alert:"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func locationKey(busID string) string {
	return "bus_locations:" + busID
}

// Redis GEO only indexes web mercator coordinates.
const (
	maxGeoLat = 85.05112878
	maxGeoLng = 180.0
)

func geoIndexable(p domain.GeoPoint) bool {
	return math.Abs(p.Lat) <= maxGeoLat && math.Abs(p.Lng) <= maxGeoLng
}

// PutLocation replaces the bus_locations document for busID and returns the
// document it replaced, nil if there was none. A position outside the GEO
// index range is stored in the document but not indexed.
func (r *RedisStore) PutLocation(ctx context.Context, busID string, u *domain.LocationUpdate) (*domain.LocationUpdate, error) {
	doc, err := json.Marshal(u)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal location")
	}

	var (
		prev   *redis.StringCmd
		setCmd *redis.StatusCmd
		geoCmd *redis.IntCmd
		pubCmd *redis.IntCmd
	)
	// Per-command errors are checked below; the aggregate only reports the
	// first failing command, which is redis.Nil whenever the GET misses.
	_, _ = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prev = pipe.Get(ctx, locationKey(busID))
		setCmd = pipe.Set(ctx, locationKey(busID), doc, 0)
		if p, ok := u.Position(); ok && geoIndexable(p) {
			geoCmd = pipe.GeoAdd(ctx, locationGeoKey, &redis.GeoLocation{
				Name:      busID,
				Longitude: p.Lng,
				Latitude:  p.Lat,
			})
		}
		pubCmd = pipe.Publish(ctx, locationChannel, busID)
		return nil
	})
	if err := setCmd.Err(); err != nil {
		return nil, errors.Wrapf(err, "location write failed for bus %s", busID)
	}
	if geoCmd != nil {
		if err := geoCmd.Err(); err != nil {
			return nil, errors.Wrapf(err, "location index failed for bus %s", busID)
		}
	}
	if err := pubCmd.Err(); err != nil {
		return nil, errors.Wrapf(err, "location publish failed for bus %s", busID)
	}

	raw, err := prev.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "previous location read failed for bus %s", busID)
	}
	var before domain.LocationUpdate
	if err := json.Unmarshal(raw, &before); err != nil {
		// An unreadable previous document is treated as absent.
		return nil, nil
	}
	return &before, nil
}

func (r *RedisStore) GetLocation(ctx context.Context, busID string) (*domain.LocationUpdate, error) {
	raw, err := r.client.Get(ctx, locationKey(busID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "location read failed for bus %s", busID)
	}
	var u domain.LocationUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, errors.Wrapf(err, "corrupt location document for bus %s", busID)
	}
	return &u, nil
}

func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	val, err := r.client.Get(ctx, apiKeyPrefix+apiKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "redis get api key failed")
	}
	return val, nil
}

// SetAPIKey issues apiKey to clientID. The key does not expire.
func (r *RedisStore) SetAPIKey(ctx context.Context, apiKey, clientID string) error {
	if err := r.client.Set(ctx, apiKeyPrefix+apiKey, clientID, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set api key failed")
	}
	return nil
}

func alertClaimKey(busID string, t domain.AlertType) string {
	return fmt.Sprintf("%s%s:%s", alertClaimPrefix, busID, string(t))
}

// ClaimAlert takes the exclusive right to write an alert of type t for
// busID for the next window. It returns false if someone else holds it.
func (r *RedisStore) ClaimAlert(ctx context.Context, busID string, t domain.AlertType, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, alertClaimKey(busID, t), time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, errors.Wrapf(err, "alert claim failed for bus %s", busID)
	}
	return ok, nil
}

func (r *RedisStore) ReleaseAlert(ctx context.Context, busID string, t domain.AlertType) error {
	if err := r.client.Del(ctx, alertClaimKey(busID, t)).Err(); err != nil {
		return errors.Wrapf(err, "alert claim release failed for bus %s", busID)
	}
	return nil
}

func (r *RedisStore) PublishAlert(ctx context.Context, rec *domain.AlertRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert")
	}
	return r.client.Publish(ctx, AlertChannel, payload).Err()
}
