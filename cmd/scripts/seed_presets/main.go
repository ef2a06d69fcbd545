package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/utils"
)

type seedPreset struct {
	id     string
	name   string
	prompt string
}

func main() {
	_ = godotenv.Load()
	cfg := utils.ReadConfig()
	if !cfg.Postgres.Enabled() {
		log.Fatalf("postgres is not configured: set POSTGRES_DSN or POSTGRES_HOST")
	}

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer postgres.Close()

	if err := postgres.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	presets := []seedPreset{
		{
			id:   "customer_support",
			name: "Customer Support",
			prompt: "You are a patient customer support lead. " +
				"Draft empathetic replies, clarify the customer's issue and propose a concrete next step.",
		},
		{
			id:   "safety",
			name: "EHS Safety",
			prompt: "You are an environment, health and safety officer. " +
				"Assess workplace hazards, reference common controls and recommend corrective actions.",
		},
		{
			id:   "supplier_quality",
			name: "Supplier Quality",
			prompt: "You are a supplier quality engineer. " +
				"Help me plan audits, write corrective action requests and evaluate supplier responses.",
		},
	}

	tx, err := postgres.Pool.Begin(ctx)
	if err != nil {
		log.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(presets))
	for _, p := range presets {
		ids = append(ids, p.id)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM presets WHERE id = ANY($1)", ids); err != nil {
		log.Fatalf("delete existing presets: %v", err)
	}

	now := time.Now().UTC()
	for _, p := range presets {
		if _, err := tx.Exec(ctx,
			`INSERT INTO presets (id, name, system_prompt, created_at) VALUES ($1, $2, $3, $4)`,
			p.id, p.name, p.prompt, now,
		); err != nil {
			log.Fatalf("insert preset %s: %v", p.id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		log.Fatalf("commit tx: %v", err)
	}

	log.Printf("seeded %d presets", len(presets))
}
