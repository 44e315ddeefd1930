package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
)

type MongoDirectory struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewMongoDirectory(m *Mongo) *MongoDirectory {
	return &MongoDirectory{
		collection: m.Database.Collection(DeviceCollectionName),
		timeout:    m.OperationTimeout,
	}
}

func handleErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %w", ErrRecordNotFound, err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (md *MongoDirectory) Get(ctx context.Context, id string) (*DeviceRecord, error) {
	if id == "" {
		return nil, ErrDeviceIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, md.timeout)
	defer cancel()

	var record DeviceRecord
	startTime := time.Now()
	err := md.collection.FindOne(ctx, bson.D{{Key: "device_id", Value: id}}).Decode(&record)
	logger.DebugF("device query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, handleErr(err)
	}
	return &record, nil
}

func (md *MongoDirectory) Save(ctx context.Context, record *DeviceRecord) error {
	if record.ID == "" {
		return ErrDeviceIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, md.timeout)
	defer cancel()

	filter := bson.D{{Key: "device_id", Value: record.ID}}
	result, err := md.collection.ReplaceOne(ctx, filter, record, options.Replace().SetUpsert(true))
	if err != nil {
		return handleErr(err)
	}

	logger.DebugF("Device saved: device_id=%s, matched=%d, modified=%d, upserted=%v",
		record.ID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (md *MongoDirectory) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrDeviceIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, md.timeout)
	defer cancel()

	result, err := md.collection.DeleteOne(ctx, bson.D{{Key: "device_id", Value: id}})
	if err != nil {
		return handleErr(err)
	}
	logger.DebugF("Device deleted: device_id=%s, deleted=%d", id, result.DeletedCount)
	return nil
}

func (md *MongoDirectory) List(ctx context.Context) ([]DeviceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, md.timeout)
	defer cancel()

	cursor, err := md.collection.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "device_id", Value: 1}}))
	if err != nil {
		return nil, handleErr(err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var records []DeviceRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, handleErr(err)
	}
	return records, nil
}
