package db

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/wuwenbin0122/jechat/internal/models"
)

var (
	ErrConversationNotFound = errors.New("db: conversation not found")
	ErrPresetNotFound       = errors.New("db: preset not found")
	ErrPresetExists         = errors.New("db: preset already exists")
)

// ConversationStore persists chat sessions.
type ConversationStore interface {
	Create(ctx context.Context, conv *models.Conversation) error
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Save(ctx context.Context, conv *models.Conversation) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*models.Conversation, error)
}

// PresetStore persists custom presets.
type PresetStore interface {
	CreatePreset(ctx context.Context, preset models.Preset) error
	ListPresets(ctx context.Context) ([]models.Preset, error)
	DeletePreset(ctx context.Context, id string) error
}

// EventSink receives analytics events.
type EventSink interface {
	InsertEvent(ctx context.Context, event models.GenerationEvent) error
	RecentEvents(ctx context.Context, limit int) ([]models.GenerationEvent, error)
}

// MemoryStore keeps conversations in process. Callers always receive copies.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*models.Conversation)}
}

func (s *MemoryStore) Create(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; !ok {
		return ErrConversationNotFound
	}
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	delete(s.conversations, id)
	return nil
}

// List returns the most recently updated conversations first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*models.Conversation, error) {
	s.mu.RLock()
	result := make([]*models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		result = append(result, conv.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MemoryEvents is an in-process EventSink bounded to the most recent events.
type MemoryEvents struct {
	mu     sync.Mutex
	events []models.GenerationEvent
	max    int
}

func NewMemoryEvents(max int) *MemoryEvents {
	if max <= 0 {
		max = 1000
	}
	return &MemoryEvents{max: max}
}

func (m *MemoryEvents) InsertEvent(_ context.Context, event models.GenerationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if over := len(m.events) - m.max; over > 0 {
		m.events = append([]models.GenerationEvent(nil), m.events[over:]...)
	}
	return nil
}

// RecentEvents returns newest first.
func (m *MemoryEvents) RecentEvents(_ context.Context, limit int) ([]models.GenerationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]models.GenerationEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, m.events[i])
	}
	return result, nil
}
