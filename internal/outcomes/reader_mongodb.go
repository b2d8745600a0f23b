package outcomes

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBReader implements Reader for MongoDB.
type MongoDBReader struct {
	collection *mongo.Collection
}

// NewMongoDBReader creates a new MongoDB outcome reader.
func NewMongoDBReader(database *mongo.Database) (*MongoDBReader, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &MongoDBReader{collection: database.Collection(tableName)}, nil
}

func (r *MongoDBReader) Recent(ctx context.Context, params QueryParams) ([]Entry, error) {
	filter := bson.D{}
	if params.Channel != "" {
		filter = append(filter, bson.E{Key: "channel", Value: params.Channel})
	}
	if params.RequestID != "" {
		filter = append(filter, bson.E{Key: "request_id", Value: params.RequestID})
	}
	if !params.Since.IsZero() {
		filter = append(filter, bson.E{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: params.Since.UTC()}}})
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "attempt", Value: -1}}).
		SetLimit(int64(clampLimit(params.Limit)))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]Entry, 0)
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to decode outcomes: %w", err)
	}
	return result, nil
}

func (r *MongoDBReader) Summary(ctx context.Context, since time.Time) ([]ChannelSummary, error) {
	pipeline := bson.A{}
	if !since.IsZero() {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{
			{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: since.UTC()}}},
		}}})
	}

	countIf := func(field string, want bool) bson.D {
		return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$" + field, want}}}, 1, 0,
		}}}}}
	}

	pipeline = append(pipeline,
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$channel"},
			{Key: "attempts", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "successes", Value: countIf("success", true)},
			{Key: "failures", Value: countIf("success", false)},
			{Key: "committed", Value: countIf("committed", true)},
			{Key: "avg_latency_ms", Value: bson.D{{Key: "$avg", Value: "$latency_ms"}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	)

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate outcome summary: %w", err)
	}
	defer cursor.Close(ctx)

	result := make([]ChannelSummary, 0)
	for cursor.Next(ctx) {
		var row struct {
			Channel      string  `bson:"_id"`
			Attempts     int64   `bson:"attempts"`
			Successes    int64   `bson:"successes"`
			Failures     int64   `bson:"failures"`
			Committed    int64   `bson:"committed"`
			AvgLatencyMs float64 `bson:"avg_latency_ms"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode outcome summary: %w", err)
		}
		result = append(result, ChannelSummary(row))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome summary cursor: %w", err)
	}
	return result, nil
}
