package prompt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wuwenbin0122/jechat/internal/models"
)

func TestBuildMistralFormat(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "  Be helpful. "},
		{Role: models.RoleUser, Content: "Hi\n"},
		{Role: models.RoleAssistant, Content: " Hello! "},
		{Role: models.RoleUser, Content: "Why?"},
	}

	got := Build(messages)
	want := "<s>[INST] Be helpful. [/INST]<s>[INST] Hi [/INST] Hello! <s>[INST] Why? [/INST] "
	if got != want {
		t.Fatalf("unexpected prompt\nwant %q\ngot  %q", want, got)
	}
}

func TestBuildEmpty(t *testing.T) {
	if got := Build(nil); got != " " {
		t.Fatalf("expected single space for empty conversation, got %q", got)
	}
}

func TestParseAppConfig(t *testing.T) {
	data := []byte(`
app_name: Test Assistant
page_icon: "🤖"
default_preset: Sales
system_prompts:
  Quality: "You are a quality manager."
  sales: "You are a sales coach."
`)

	cfg, err := ParseAppConfig(data)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.AppName != "Test Assistant" {
		t.Fatalf("unexpected app name %q", cfg.AppName)
	}
	if cfg.DefaultPreset != "sales" {
		t.Fatalf("expected default preset sales, got %q", cfg.DefaultPreset)
	}
	if _, ok := cfg.SystemPrompts["quality"]; !ok {
		t.Fatalf("expected preset ids to be normalised, got %v", cfg.SystemPrompts)
	}
}

func TestParseAppConfigFallbackDefault(t *testing.T) {
	cfg, err := ParseAppConfig([]byte("default_preset: missing\n"))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DefaultPreset != "quality" {
		t.Fatalf("expected builtin default preset, got %q", cfg.DefaultPreset)
	}
	if len(cfg.SystemPrompts) != 3 {
		t.Fatalf("expected builtin presets, got %d", len(cfg.SystemPrompts))
	}
}

func TestParseAppConfigRejectsInvalidID(t *testing.T) {
	_, err := ParseAppConfig([]byte("system_prompts:\n  \"bad id!\": text\n"))
	if !errors.Is(err, ErrInvalidPreset) {
		t.Fatalf("expected ErrInvalidPreset, got %v", err)
	}
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	cfg, err := LoadAppConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.AppName != "JE AI Assistant" {
		t.Fatalf("unexpected app name %q", cfg.AppName)
	}
}

func TestLoadAppConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("system_prompts:\n  support: \"You help customers.\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DefaultPreset != "support" {
		t.Fatalf("expected sole preset to become default, got %q", cfg.DefaultPreset)
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(DefaultAppConfig())

	def := registry.Default()
	if def.ID != "quality" || !def.Builtin {
		t.Fatalf("unexpected default preset %+v", def)
	}

	hr, err := registry.Get(" HR ")
	if err != nil {
		t.Fatalf("get hr preset: %v", err)
	}
	if hr.Name != "HR" {
		t.Fatalf("expected display name HR, got %q", hr.Name)
	}

	if _, err := registry.Get("legal"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound, got %v", err)
	}

	added, err := registry.Add(models.Preset{ID: "Customer_Support", SystemPrompt: "Help customers."})
	if err != nil {
		t.Fatalf("add preset: %v", err)
	}
	if added.ID != "customer_support" || added.Name != "Customer Support" || added.Builtin {
		t.Fatalf("unexpected added preset %+v", added)
	}

	if _, err := registry.Add(models.Preset{ID: "customer_support", SystemPrompt: "again"}); !errors.Is(err, ErrPresetExists) {
		t.Fatalf("expected ErrPresetExists, got %v", err)
	}
	if _, err := registry.Add(models.Preset{ID: "empty"}); !errors.Is(err, ErrInvalidPreset) {
		t.Fatalf("expected ErrInvalidPreset, got %v", err)
	}

	list := registry.List()
	if len(list) != 4 || list[0].ID != "customer_support" || list[3].ID != "sales" {
		t.Fatalf("unexpected preset ordering %+v", list)
	}

	if err := registry.Remove("quality"); !errors.Is(err, ErrPresetBuiltin) {
		t.Fatalf("expected ErrPresetBuiltin, got %v", err)
	}
	if err := registry.Remove("customer_support"); err != nil {
		t.Fatalf("remove preset: %v", err)
	}
	if err := registry.Remove("customer_support"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound on second remove, got %v", err)
	}
}

func TestDiagnosisSteps(t *testing.T) {
	first, ok := DiagnosisStep(models.StageNeedProblem)
	if !ok || first.MaxNewTokens != 256 || first.Next != models.StageNeedClarify {
		t.Fatalf("unexpected first step %+v", first)
	}

	second, ok := DiagnosisStep(models.StageNeedClarify)
	if !ok || second.MaxNewTokens != 512 || second.Next != models.StageDone {
		t.Fatalf("unexpected second step %+v", second)
	}

	if _, ok := DiagnosisStep(models.StageDone); ok {
		t.Fatalf("done stage must not accept input")
	}
}
