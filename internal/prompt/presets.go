package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wuwenbin0122/jechat/internal/models"
)

var (
	ErrPresetNotFound = errors.New("presets: preset not found")
	ErrPresetExists   = errors.New("presets: preset already exists")
	ErrPresetBuiltin  = errors.New("presets: builtin presets cannot be removed")
	ErrInvalidPreset  = errors.New("presets: id and system prompt are required")
)

const (
	defaultAppName  = "JE AI Assistant"
	defaultPageIcon = "💬"
	defaultPresetID = "quality"
)

var presetIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// AppConfig is the on-disk YAML layout of the presets file.
type AppConfig struct {
	AppName       string            `yaml:"app_name"`
	PageIcon      string            `yaml:"page_icon"`
	DefaultPreset string            `yaml:"default_preset"`
	SystemPrompts map[string]string `yaml:"system_prompts"`
}

var builtinPrompts = map[string]string{
	"quality": "You are an experience quality manager for 30 years. " +
		"Please guide me using 4M for the 8D Problem Solving process to address issue. " +
		"Please assist me in developing interim containment actions. " +
		"Follow subsequent instructions carefully.",
	"sales": "You are a senior B2B sales coach. " +
		"Help me qualify leads, handle objections and write concise follow-up messages. " +
		"Keep answers practical and action oriented.",
	"hr": "You are an experienced HR business partner. " +
		"Give balanced, policy-aware guidance on hiring, performance reviews and employee relations. " +
		"Stay neutral, respectful and confidential in tone.",
}

// DefaultAppConfig returns the configuration used when no presets file exists.
func DefaultAppConfig() AppConfig {
	prompts := make(map[string]string, len(builtinPrompts))
	for id, text := range builtinPrompts {
		prompts[id] = text
	}
	return AppConfig{
		AppName:       defaultAppName,
		PageIcon:      defaultPageIcon,
		DefaultPreset: defaultPresetID,
		SystemPrompts: prompts,
	}
}

// LoadAppConfig reads the YAML presets file. A missing file yields the
// built-in configuration.
func LoadAppConfig(path string) (AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultAppConfig(), nil
		}
		return AppConfig{}, fmt.Errorf("presets: read %s: %w", path, err)
	}
	return ParseAppConfig(data)
}

// ParseAppConfig decodes YAML and fills in defaults.
func ParseAppConfig(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("presets: decode yaml: %w", err)
	}

	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = defaultAppName
	}
	if strings.TrimSpace(cfg.PageIcon) == "" {
		cfg.PageIcon = defaultPageIcon
	}
	if len(cfg.SystemPrompts) == 0 {
		cfg.SystemPrompts = DefaultAppConfig().SystemPrompts
	}

	normalized := make(map[string]string, len(cfg.SystemPrompts))
	for id, text := range cfg.SystemPrompts {
		key := NormalizeID(id)
		if !presetIDPattern.MatchString(key) || strings.TrimSpace(text) == "" {
			return AppConfig{}, fmt.Errorf("%w: %q", ErrInvalidPreset, id)
		}
		normalized[key] = strings.TrimSpace(text)
	}
	cfg.SystemPrompts = normalized

	cfg.DefaultPreset = NormalizeID(cfg.DefaultPreset)
	if _, ok := cfg.SystemPrompts[cfg.DefaultPreset]; !ok {
		ids := make([]string, 0, len(cfg.SystemPrompts))
		for id := range cfg.SystemPrompts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if _, ok := cfg.SystemPrompts[defaultPresetID]; ok {
			cfg.DefaultPreset = defaultPresetID
		} else {
			cfg.DefaultPreset = ids[0]
		}
	}

	return cfg, nil
}

// NormalizeID lowercases and trims a preset id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Registry holds builtin presets from the presets file plus custom presets
// added at runtime. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	presets   map[string]models.Preset
	defaultID string
}

func NewRegistry(cfg AppConfig) *Registry {
	now := time.Now().UTC()
	presets := make(map[string]models.Preset, len(cfg.SystemPrompts))
	for id, text := range cfg.SystemPrompts {
		presets[id] = models.Preset{
			ID:           id,
			Name:         displayName(id),
			SystemPrompt: text,
			Builtin:      true,
			CreatedAt:    now,
		}
	}
	return &Registry{presets: presets, defaultID: cfg.DefaultPreset}
}

// Get resolves a preset id. An empty id resolves to the default preset.
func (r *Registry) Get(id string) (models.Preset, error) {
	key := NormalizeID(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key == "" {
		key = r.defaultID
	}
	preset, ok := r.presets[key]
	if !ok {
		return models.Preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, key)
	}
	return preset, nil
}

func (r *Registry) Default() models.Preset {
	preset, _ := r.Get("")
	return preset
}

// List returns every preset ordered by id.
func (r *Registry) List() []models.Preset {
	r.mu.RLock()
	result := make([]models.Preset, 0, len(r.presets))
	for _, preset := range r.presets {
		result = append(result, preset)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Add registers a custom preset.
func (r *Registry) Add(preset models.Preset) (models.Preset, error) {
	preset.ID = NormalizeID(preset.ID)
	preset.SystemPrompt = strings.TrimSpace(preset.SystemPrompt)
	if !presetIDPattern.MatchString(preset.ID) || preset.SystemPrompt == "" {
		return models.Preset{}, ErrInvalidPreset
	}
	if strings.TrimSpace(preset.Name) == "" {
		preset.Name = displayName(preset.ID)
	}
	if preset.CreatedAt.IsZero() {
		preset.CreatedAt = time.Now().UTC()
	}
	preset.Builtin = false

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.presets[preset.ID]; exists {
		return models.Preset{}, ErrPresetExists
	}
	r.presets[preset.ID] = preset
	return preset, nil
}

// Remove deletes a custom preset.
func (r *Registry) Remove(id string) error {
	key := NormalizeID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	preset, ok := r.presets[key]
	if !ok {
		return ErrPresetNotFound
	}
	if preset.Builtin {
		return ErrPresetBuiltin
	}
	delete(r.presets, key)
	return nil
}

func displayName(id string) string {
	parts := strings.FieldsFunc(id, func(r rune) bool { return r == '_' || r == '-' })
	for i, part := range parts {
		if len(part) <= 2 {
			parts[i] = strings.ToUpper(part)
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}
