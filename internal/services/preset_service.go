package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/models"
	"github.com/wuwenbin0122/jechat/internal/prompt"
)

// PresetService combines the presets file with custom presets kept in the
// optional PresetStore.
type PresetService struct {
	registry *prompt.Registry
	store    db.PresetStore
	app      prompt.AppConfig
	logger   *zap.SugaredLogger
}

func NewPresetService(app prompt.AppConfig, store db.PresetStore, logger *zap.SugaredLogger) *PresetService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PresetService{
		registry: prompt.NewRegistry(app),
		store:    store,
		app:      app,
		logger:   logger,
	}
}

// App returns the page settings from the presets file.
func (s *PresetService) App() prompt.AppConfig {
	return s.app
}

// Load registers the persisted custom presets. Entries that clash with a
// builtin id are skipped.
func (s *PresetService) Load(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	stored, err := s.store.ListPresets(ctx)
	if err != nil {
		return 0, fmt.Errorf("presets: load: %w", err)
	}

	loaded := 0
	for _, preset := range stored {
		if _, err := s.registry.Add(preset); err != nil {
			s.logger.Warnw("skipping stored preset", "id", preset.ID, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (s *PresetService) Get(id string) (models.Preset, error) {
	return s.registry.Get(id)
}

func (s *PresetService) Default() models.Preset {
	return s.registry.Default()
}

func (s *PresetService) List() []models.Preset {
	return s.registry.List()
}

type PresetInput struct {
	ID           string
	Name         string
	SystemPrompt string
}

func (s *PresetService) Create(ctx context.Context, input PresetInput) (models.Preset, error) {
	preset, err := s.registry.Add(models.Preset{
		ID:           input.ID,
		Name:         input.Name,
		SystemPrompt: input.SystemPrompt,
	})
	if err != nil {
		return models.Preset{}, err
	}

	if s.store == nil {
		return preset, nil
	}

	if err := s.store.CreatePreset(ctx, preset); err != nil {
		_ = s.registry.Remove(preset.ID)
		if errors.Is(err, db.ErrPresetExists) {
			return models.Preset{}, prompt.ErrPresetExists
		}
		return models.Preset{}, fmt.Errorf("presets: persist: %w", err)
	}
	return preset, nil
}

func (s *PresetService) Delete(ctx context.Context, id string) error {
	preset, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	if preset.Builtin {
		return prompt.ErrPresetBuiltin
	}

	if s.store != nil {
		if err := s.store.DeletePreset(ctx, preset.ID); err != nil && !errors.Is(err, db.ErrPresetNotFound) {
			return fmt.Errorf("presets: delete: %w", err)
		}
	}
	return s.registry.Remove(preset.ID)
}
