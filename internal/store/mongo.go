package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"bus-monitor/alerting/internal/config"
	"bus-monitor/alerting/internal/domain"
	"bus-monitor/alerting/internal/metrics"
)

const backendMongo = "mongo"

// alertDocument is the driver_alerts document shape.
type alertDocument struct {
	ID         string        `bson:"_id"`
	BusID      string        `bson:"busId"`
	Type       string        `bson:"type"`
	SpeedKmph  float64       `bson:"speed_kmph"`
	Timestamp  time.Time     `bson:"timestamp"`
	Location   *geoJSONPoint `bson:"location,omitempty"`
	Resolved   bool          `bson:"resolved"`
	ResolvedAt *time.Time    `bson:"resolvedAt,omitempty"`
}

type geoJSONPoint struct {
	Type        string    `bson:"type"`
	Coordinates []float64 `bson:"coordinates"`
}

func toGeoJSON(p *domain.GeoPoint) *geoJSONPoint {
	if p == nil {
		return nil
	}
	return &geoJSONPoint{Type: "Point", Coordinates: []float64{p.Lng, p.Lat}}
}

func (d *alertDocument) record() *domain.AlertRecord {
	rec := &domain.AlertRecord{
		ID:        d.ID,
		BusID:     d.BusID,
		Type:      domain.AlertType(d.Type),
		SpeedKmph: d.SpeedKmph,
		Timestamp: d.Timestamp,
		Resolved:  d.Resolved,
	}
	if d.Location != nil && len(d.Location.Coordinates) == 2 {
		rec.Location = &domain.GeoPoint{Lng: d.Location.Coordinates[0], Lat: d.Location.Coordinates[1]}
	}
	return rec
}

type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoStore(ctx context.Context, cfg *config.Config) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongo")
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to ping mongo")
	}

	coll := client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection)
	return &MongoStore{client: client, coll: coll}, nil
}

func newMongoStoreWithCollection(coll *mongo.Collection) *MongoStore {
	return &MongoStore{client: coll.Database().Client(), coll: coll}
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "busId", Value: 1}, {Key: "type", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("idx_driver_alerts_dedup"),
		},
		{
			Keys:    bson.D{{Key: "resolved", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("idx_driver_alerts_resolved"),
		},
		{
			Keys:    bson.D{{Key: "location", Value: "2dsphere"}},
			Options: options.Index().SetName("idx_driver_alerts_location"),
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to create driver_alerts indexes")
	}
	return nil
}

// HasRecentAlert compares timestamps against $$NOW so that both sides of
// the window come from the server clock.
func (s *MongoStore) HasRecentAlert(ctx context.Context, busID string, t domain.AlertType, window time.Duration) (bool, error) {
	defer metrics.ObserveStore(backendMongo, "has_recent_alert", time.Now())

	filter := bson.M{
		"busId": busID,
		"type":  string(t),
		"$expr": bson.M{
			"$gt": bson.A{"$timestamp", bson.M{"$subtract": bson.A{"$$NOW", window.Milliseconds()}}},
		},
	}
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})

	err := s.coll.FindOne(ctx, filter, opts).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "recent alert query failed for bus %s", busID)
	}
	return true, nil
}

// InsertAlert upserts by id so a replayed record is not duplicated, and
// lets the server stamp the timestamp.
func (s *MongoStore) InsertAlert(ctx context.Context, rec *domain.AlertRecord) error {
	defer metrics.ObserveStore(backendMongo, "insert_alert", time.Now())

	fields := bson.M{
		"busId":      rec.BusID,
		"type":       string(rec.Type),
		"speed_kmph": rec.SpeedKmph,
		"resolved":   rec.Resolved,
	}
	if loc := toGeoJSON(rec.Location); loc != nil {
		fields["location"] = loc
	}
	update := bson.M{
		"$setOnInsert": fields,
		"$currentDate": bson.M{"timestamp": true},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var stored alertDocument
	err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": rec.ID}, update, opts).Decode(&stored)
	if err != nil {
		return errors.Wrapf(err, "alert insert failed for bus %s", rec.BusID)
	}
	rec.Timestamp = stored.Timestamp
	return nil
}

func (s *MongoStore) ListAlerts(ctx context.Context, q AlertQuery) ([]*domain.AlertRecord, error) {
	defer metrics.ObserveStore(backendMongo, "list_alerts", time.Now())

	filter := bson.M{}
	if q.BusID != "" {
		filter["busId"] = q.BusID
	}
	if q.Resolved != nil {
		filter["resolved"] = *q.Resolved
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(q.limit()))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "alert list query failed")
	}
	defer cur.Close(ctx)

	var out []*domain.AlertRecord
	for cur.Next(ctx) {
		var doc alertDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "alert document decode failed")
		}
		out = append(out, doc.record())
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(err, "alert list iteration failed")
	}
	return out, nil
}

func (s *MongoStore) ResolveAlert(ctx context.Context, id string) error {
	defer metrics.ObserveStore(backendMongo, "resolve_alert", time.Now())

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":         bson.M{"resolved": true},
			"$currentDate": bson.M{"resolvedAt": true},
		},
	)
	if err != nil {
		return errors.Wrapf(err, "resolve alert %s failed", id)
	}
	if res.MatchedCount == 0 {
		return ErrAlertNotFound
	}
	return nil
}
