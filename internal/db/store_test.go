package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wuwenbin0122/jechat/internal/models"
)

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	conv := &models.Conversation{
		ID:        "c1",
		Messages:  []models.Message{{Role: models.RoleSystem, Content: "sys"}},
		UpdatedAt: time.Now(),
	}
	if err := store.Create(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	conv.Messages = append(conv.Messages, models.Message{Role: models.RoleUser, Content: "mutated"})
	fetched, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(fetched.Messages) != 1 {
		t.Fatalf("store must not share slices with callers, got %d messages", len(fetched.Messages))
	}

	fetched.Messages = append(fetched.Messages, models.Message{Role: models.RoleUser, Content: "hi"})
	if err := store.Save(ctx, fetched); err != nil {
		t.Fatalf("save: %v", err)
	}
	again, _ := store.Get(ctx, "c1")
	if len(again.Messages) != 2 {
		t.Fatalf("expected saved message, got %d", len(again.Messages))
	}

	if err := store.Save(ctx, &models.Conversation{ID: "missing"}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound on save, got %v", err)
	}
	if err := store.Delete(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "c1"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreListOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	offsets := map[string]time.Duration{"old": 0, "new": 2 * time.Hour, "mid": time.Hour}
	for id, offset := range offsets {
		_ = store.Create(ctx, &models.Conversation{ID: id, UpdatedAt: base.Add(offset)})
	}

	list, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "mid" {
		t.Fatalf("unexpected list order %v, %v", list[0].ID, list[1].ID)
	}
}

func TestMemoryEventsBounded(t *testing.T) {
	sink := NewMemoryEvents(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		_ = sink.InsertEvent(ctx, models.GenerationEvent{ID: id})
	}

	events, err := sink.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 3 || events[0].ID != "d" || events[2].ID != "b" {
		t.Fatalf("unexpected events %+v", events)
	}

	limited, _ := sink.RecentEvents(ctx, 1)
	if len(limited) != 1 || limited[0].ID != "d" {
		t.Fatalf("unexpected limited events %+v", limited)
	}
}
