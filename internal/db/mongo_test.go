package db_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/models"
	"github.com/wuwenbin0122/jechat/internal/utils"
)

func TestMongoEventsRoundTrip(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set; skipping mongo integration test")
	}

	database := "je_chat_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	store, err := db.NewMongo(context.Background(), utils.MongoConfig{
		URI:            uri,
		Database:       database,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to connect to mongo: %v", err)
	}
	defer func() {
		ctx := context.Background()
		store.Database.Drop(ctx)
		store.Close(ctx)
	}()

	ctx := context.Background()
	if err := store.EnsureCollections(ctx); err != nil {
		t.Fatalf("ensure collections failed: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"first", "second"} {
		event := models.GenerationEvent{
			ID:             id,
			ConversationID: "conv",
			Model:          "zephyr",
			LatencyMS:      int64(100 * (i + 1)),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.InsertEvent(ctx, event); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	events, err := store.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 2 || events[0].ID != "second" {
		t.Fatalf("expected newest event first, got %+v", events)
	}
}
