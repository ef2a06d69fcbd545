package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/utils"
)

func main() {
	_ = godotenv.Load()
	cfg := utils.ReadConfig()

	limit := 20
	if len(os.Args) > 1 {
		if n, err := strconv.Atoi(os.Args[1]); err == nil && n > 0 {
			limit = n
		}
	}

	ctx := context.Background()
	postgres, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		panic(err)
	}
	defer postgres.Close()

	conversations, err := postgres.List(ctx, limit)
	if err != nil {
		panic(err)
	}

	fmt.Println("conversations:")
	for _, conv := range conversations {
		fmt.Printf("- %s [%s/%s] %q turns=%d model=%s updated=%s\n",
			conv.ID, conv.PresetID, conv.Stage, conv.Title,
			len(conv.VisibleMessages()), conv.Model, conv.UpdatedAt.Format("2006-01-02 15:04"))
	}
}
