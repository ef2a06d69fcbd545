package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/jechat/internal/models"
	"github.com/wuwenbin0122/jechat/internal/utils"
)

// Postgres implements ConversationStore and PresetStore on a pgx pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg utils.PostgresConfig) (*Postgres, error) {
	dsn := cfg.BuildDSN()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close() {
	if p == nil || p.Pool == nil {
		return
	}
	p.Pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.Pool.Ping(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS conversations (",
			"    id TEXT PRIMARY KEY,",
			"    title TEXT NOT NULL DEFAULT '',",
			"    model TEXT NOT NULL,",
			"    preset_id TEXT NOT NULL,",
			"    stage TEXT NOT NULL,",
			"    messages JSONB NOT NULL DEFAULT '[]'::jsonb,",
			"    params JSONB NOT NULL DEFAULT '{}'::jsonb,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS conversations_updated_at_idx ON conversations (updated_at DESC)",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS presets (",
			"    id TEXT PRIMARY KEY,",
			"    name TEXT NOT NULL,",
			"    system_prompt TEXT NOT NULL,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}

	return nil
}

func (p *Postgres) Create(ctx context.Context, conv *models.Conversation) error {
	messages, params, err := encodeConversation(conv)
	if err != nil {
		return err
	}

	const query = `INSERT INTO conversations (id, title, model, preset_id, stage, messages, params, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := p.Pool.Exec(ctx, query, conv.ID, conv.Title, conv.Model, conv.PresetID, conv.Stage, messages, params, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: insert conversation: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*models.Conversation, error) {
	const query = `SELECT id, title, model, preset_id, stage, messages, params, created_at, updated_at FROM conversations WHERE id = $1`
	conv, err := scanConversation(p.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("postgres: query conversation: %w", err)
	}
	return conv, nil
}

func (p *Postgres) Save(ctx context.Context, conv *models.Conversation) error {
	messages, params, err := encodeConversation(conv)
	if err != nil {
		return err
	}

	const query = `UPDATE conversations SET title = $2, model = $3, preset_id = $4, stage = $5, messages = $6, params = $7, updated_at = $8 WHERE id = $1`
	tag, err := p.Pool.Exec(ctx, query, conv.ID, conv.Title, conv.Model, conv.PresetID, conv.Stage, messages, params, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.Pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `SELECT id, title, model, preset_id, stage, messages, params, created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT $1`
	rows, err := p.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	result := make([]*models.Conversation, 0, limit)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan conversation: %w", err)
		}
		result = append(result, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	return result, nil
}

func (p *Postgres) CreatePreset(ctx context.Context, preset models.Preset) error {
	const query = `INSERT INTO presets (id, name, system_prompt, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := p.Pool.Exec(ctx, query, preset.ID, preset.Name, preset.SystemPrompt, preset.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrPresetExists
		}
		return fmt.Errorf("postgres: insert preset: %w", err)
	}
	return nil
}

func (p *Postgres) ListPresets(ctx context.Context) ([]models.Preset, error) {
	rows, err := p.Pool.Query(ctx, `SELECT id, name, system_prompt, created_at FROM presets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list presets: %w", err)
	}
	defer rows.Close()

	var result []models.Preset
	for rows.Next() {
		var preset models.Preset
		if err := rows.Scan(&preset.ID, &preset.Name, &preset.SystemPrompt, &preset.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan preset: %w", err)
		}
		result = append(result, preset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list presets: %w", err)
	}
	return result, nil
}

func (p *Postgres) DeletePreset(ctx context.Context, id string) error {
	tag, err := p.Pool.Exec(ctx, `DELETE FROM presets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete preset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPresetNotFound
	}
	return nil
}

func encodeConversation(conv *models.Conversation) ([]byte, []byte, error) {
	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode messages: %w", err)
	}
	params, err := json.Marshal(conv.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode params: %w", err)
	}
	return messages, params, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var (
		conv     models.Conversation
		messages []byte
		params   []byte
	)
	if err := row.Scan(&conv.ID, &conv.Title, &conv.Model, &conv.PresetID, &conv.Stage, &messages, &params, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messages, &conv.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &conv.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return &conv, nil
}

func timeoutOrDefault(value time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return 10 * time.Second
}
