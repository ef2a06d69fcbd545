package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/utils"
)

func main() {
	_ = godotenv.Load()
	cfg := utils.ReadConfig()

	ctx := context.Background()

	if cfg.Postgres.Enabled() {
		postgres, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer postgres.Close()

		if err := postgres.EnsureSchema(ctx); err != nil {
			log.Fatalf("ensure schema: %v", err)
		}

		verify := `SELECT table_name, column_name, data_type FROM information_schema.columns
WHERE table_schema = 'public' AND table_name IN ('conversations', 'presets')
ORDER BY table_name, ordinal_position`
		rows, err := postgres.Pool.Query(ctx, verify)
		if err != nil {
			log.Fatalf("verify columns: %v", err)
		}
		defer rows.Close()

		fmt.Println("postgres columns:")
		for rows.Next() {
			var table, name, dataType string
			if err := rows.Scan(&table, &name, &dataType); err != nil {
				log.Fatalf("scan column: %v", err)
			}
			fmt.Printf("- %s.%s (%s)\n", table, name, dataType)
		}
		if err := rows.Err(); err != nil {
			log.Fatalf("verify columns: %v", err)
		}
	}

	if cfg.Mongo.URI != "" {
		mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			log.Fatalf("connect mongo: %v", err)
		}
		defer mongoStore.Close(context.Background())

		if err := mongoStore.EnsureCollections(ctx); err != nil {
			log.Fatalf("ensure collections: %v", err)
		}
		fmt.Println("mongo: generation_events indexes ensured")
	}
}
