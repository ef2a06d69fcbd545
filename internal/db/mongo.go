package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wuwenbin0122/jechat/internal/models"
	"github.com/wuwenbin0122/jechat/internal/utils"
)

// Mongo stores analytics events in the generation_events collection.
type Mongo struct {
	Client   *mongo.Client
	Database *mongo.Database
	Events   *mongo.Collection
}

func NewMongo(ctx context.Context, cfg utils.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	database := client.Database(cfg.Database)
	return &Mongo{
		Client:   client,
		Database: database,
		Events:   database.Collection("generation_events"),
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.Client.Disconnect(ctx)
}

func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return fmt.Errorf("mongo: database not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.Events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure event indexes: %w", err)
	}

	return nil
}

func (m *Mongo) InsertEvent(ctx context.Context, event models.GenerationEvent) error {
	if _, err := m.Events.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("mongo: insert event: %w", err)
	}
	return nil
}

// RecentEvents returns newest first.
func (m *Mongo) RecentEvents(ctx context.Context, limit int) ([]models.GenerationEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := m.Events.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find events: %w", err)
	}
	defer cursor.Close(ctx)

	events := make([]models.GenerationEvent, 0, limit)
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("mongo: decode events: %w", err)
	}
	return events, nil
}
