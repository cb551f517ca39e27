// Package mongo persists measurements in MongoDB, the production store.
// Aggregation happens server-side with the fixed pipeline set ($group
// totals, per-type counts, $dateTrunc interval buckets).
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowmetrics/pulse/pkg/errs"
	"github.com/flowmetrics/pulse/pkg/measurement"
	"github.com/flowmetrics/pulse/pkg/stats"
	"github.com/flowmetrics/pulse/pkg/store"
)

const collectionName = "measurements"

// Store implements store.Store on a MongoDB collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Config holds MongoDB connection settings.
type Config struct {
	URI      string
	Database string
}

// New connects to MongoDB and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &Store{
		client:     client,
		collection: client.Database(cfg.Database).Collection(collectionName),
	}, nil
}

// document is the persisted shape of a measurement.
type document struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Type      string             `bson:"type"`
	Value     float64            `bson:"value"`
	Metadata  map[string]any     `bson:"metadata,omitempty"`
	Timestamp time.Time          `bson:"timestamp"`
}

func (d document) toMeasurement() measurement.Measurement {
	return measurement.Measurement{
		ID:        d.ID.Hex(),
		Type:      d.Type,
		Value:     d.Value,
		Metadata:  d.Metadata,
		Timestamp: d.Timestamp,
	}
}

// InsertMany persists the measurements, defaulting absent timestamps.
func (s *Store) InsertMany(ctx context.Context, points []measurement.Measurement) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	now := time.Now()
	docs := make([]any, 0, len(points))
	for _, p := range points {
		ts := p.Timestamp
		if ts.IsZero() {
			ts = now
		}
		docs = append(docs, document{
			Type:      p.Type,
			Value:     p.Value,
			Metadata:  p.Metadata,
			Timestamp: ts,
		})
	}

	res, err := s.collection.InsertMany(ctx, docs)
	if err != nil {
		return 0, errs.Persistence("insert measurements", err)
	}
	return len(res.InsertedIDs), nil
}

// Find returns one page of measurements, newest first.
func (s *Store) Find(ctx context.Context, q measurement.HistoryQuery) (*measurement.HistoryPage, error) {
	q = store.NormalizeQuery(q)
	filter := buildFilter(q.Type, q.Start, q.End)

	total, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, errs.Persistence("count measurements", err)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64((q.Page - 1) * q.Limit)).
		SetLimit(int64(q.Limit))

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, errs.Persistence("find measurements", err)
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errs.Persistence("decode measurements", err)
	}

	data := make([]measurement.Measurement, 0, len(docs))
	for _, d := range docs {
		data = append(data, d.toMeasurement())
	}

	return &measurement.HistoryPage{
		Data:       data,
		Pagination: store.Paginate(q.Page, q.Limit, total),
	}, nil
}

// Count returns the number of measurements matching the filter.
func (s *Store) Count(ctx context.Context, typ string, start, end time.Time) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, buildFilter(typ, start, end))
	if err != nil {
		return 0, errs.Persistence("count measurements", err)
	}
	return n, nil
}

// Stats summarizes the full collection.
func (s *Store) Stats(ctx context.Context) (measurement.StatsSnapshot, error) {
	return s.groupStats(ctx, bson.M{})
}

// RealtimeStats summarizes the trailing window ending now.
func (s *Store) RealtimeStats(ctx context.Context, window time.Duration) (measurement.StatsSnapshot, error) {
	cutoff := time.Now().Add(-window)
	return s.groupStats(ctx, bson.M{"timestamp": bson.M{"$gte": cutoff}})
}

// groupStats runs the summary and per-type pipelines over the matched
// documents. An empty match yields the all-zero snapshot.
func (s *Store) groupStats(ctx context.Context, match bson.M) (measurement.StatsSnapshot, error) {
	snap := measurement.StatsSnapshot{DataByType: make(map[string]int)}

	summaryPipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":          nil,
			"total_points": bson.M{"$sum": 1},
			"avg_value":    bson.M{"$avg": "$value"},
			"min_value":    bson.M{"$min": "$value"},
			"max_value":    bson.M{"$max": "$value"},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, summaryPipeline)
	if err != nil {
		return snap, errs.Persistence("aggregate stats", err)
	}
	var summaryRows []struct {
		TotalPoints int64   `bson:"total_points"`
		AvgValue    float64 `bson:"avg_value"`
		MinValue    float64 `bson:"min_value"`
		MaxValue    float64 `bson:"max_value"`
	}
	if err := cursor.All(ctx, &summaryRows); err != nil {
		return snap, errs.Persistence("decode stats", err)
	}
	if len(summaryRows) > 0 {
		snap.TotalPoints = summaryRows[0].TotalPoints
		snap.AvgValue = summaryRows[0].AvgValue
		snap.MinValue = summaryRows[0].MinValue
		snap.MaxValue = summaryRows[0].MaxValue
	}

	typePipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$type",
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err = s.collection.Aggregate(ctx, typePipeline)
	if err != nil {
		return snap, errs.Persistence("aggregate type counts", err)
	}
	var typeRows []struct {
		Type  string `bson:"_id"`
		Count int    `bson:"count"`
	}
	if err := cursor.All(ctx, &typeRows); err != nil {
		return snap, errs.Persistence("decode type counts", err)
	}
	for _, row := range typeRows {
		snap.DataByType[row.Type] = row.Count
	}

	return snap, nil
}

// AggregateBuckets computes interval buckets server-side with $dateTrunc.
func (s *Store) AggregateBuckets(ctx context.Context, typ string, start, end time.Time, interval stats.Interval) ([]measurement.Bucket, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: buildFilter(typ, start, end)}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{"$dateTrunc": bson.M{
				"date":        "$timestamp",
				"unit":        string(interval),
				"startOfWeek": "monday",
			}},
			"count":     bson.M{"$sum": 1},
			"avg_value": bson.M{"$avg": "$value"},
			"sum_value": bson.M{"$sum": "$value"},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errs.Persistence("aggregate buckets", err)
	}
	var rows []struct {
		Timestamp time.Time `bson:"_id"`
		Count     int64     `bson:"count"`
		AvgValue  float64   `bson:"avg_value"`
		SumValue  float64   `bson:"sum_value"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, errs.Persistence("decode buckets", err)
	}

	buckets := make([]measurement.Bucket, 0, len(rows))
	for _, row := range rows {
		buckets = append(buckets, measurement.Bucket{
			Timestamp: row.Timestamp,
			Count:     row.Count,
			AvgValue:  row.AvgValue,
			SumValue:  row.SumValue,
		})
	}
	return buckets, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func buildFilter(typ string, start, end time.Time) bson.M {
	filter := bson.M{}
	if typ != "" {
		filter["type"] = typ
	}
	tsFilter := bson.M{}
	if !start.IsZero() {
		tsFilter["$gte"] = start
	}
	if !end.IsZero() {
		tsFilter["$lte"] = end
	}
	if len(tsFilter) > 0 {
		filter["timestamp"] = tsFilter
	}
	return filter
}
