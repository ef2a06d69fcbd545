package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/jechat/internal/analytics"
	"github.com/wuwenbin0122/jechat/internal/api"
	"github.com/wuwenbin0122/jechat/internal/auth"
	"github.com/wuwenbin0122/jechat/internal/cache"
	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/metrics"
	"github.com/wuwenbin0122/jechat/internal/prompt"
	"github.com/wuwenbin0122/jechat/internal/services"
	"github.com/wuwenbin0122/jechat/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	baseLogger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: failed to initialise: %v", err)
	}
	defer func() { _ = baseLogger.Sync() }()
	logger := baseLogger.Sugar()

	ctx := context.Background()

	var (
		conversations db.ConversationStore = db.NewMemoryStore()
		presetStore   db.PresetStore
	)
	if cfg.Postgres.Enabled() {
		postgres, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			logger.Fatalw("postgres: failed to connect", "error", err)
		}
		defer postgres.Close()

		if err := postgres.Ping(ctx); err != nil {
			logger.Fatalw("postgres: ping failed", "error", err)
		}
		if err := postgres.EnsureSchema(ctx); err != nil {
			logger.Fatalw("postgres: ensure schema", "error", err)
		}
		conversations = postgres
		presetStore = postgres
		logger.Infow("postgres: conversation store enabled")
	}

	var sink db.EventSink
	if cfg.Analytics.Enabled {
		sink = db.NewMemoryEvents(cfg.Analytics.SummaryLimit)
		if cfg.Mongo.URI != "" {
			mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
			if err != nil {
				logger.Fatalw("mongo: failed to connect", "error", err)
			}
			defer func() {
				if err := mongoStore.Close(context.Background()); err != nil {
					logger.Warnw("mongo: close error", "error", err)
				}
			}()

			if err := mongoStore.EnsureCollections(ctx); err != nil {
				logger.Fatalw("mongo: ensure collections", "error", err)
			}
			sink = mongoStore
		}
		logger.Infow("analytics enabled", "persistent", cfg.Mongo.URI != "")
	}
	recorder := analytics.NewRecorder(sink, logger.Named("analytics"), cfg.Analytics.SummaryLimit)

	var redisClient redis.UniversalClient
	if cfg.Cache.Driver == "redis" {
		client, err := db.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			logger.Fatalw("redis: failed to connect", "error", err)
		}
		defer client.Close()
		redisClient = client
	}

	replyCache, err := cache.New(cache.Config{
		Driver: cfg.Cache.Driver,
		Size:   cfg.Cache.Size,
		TTL:    cfg.Cache.TTL,
		Logger: logger.Named("cache"),
	}, redisClient)
	if err != nil {
		logger.Fatalw("cache: failed to initialise", "error", err)
	}

	appConfig, err := prompt.LoadAppConfig(cfg.PresetsFile)
	if err != nil {
		logger.Fatalw("presets: failed to load", "file", cfg.PresetsFile, "error", err)
	}
	presets := services.NewPresetService(appConfig, presetStore, logger.Named("presets"))
	if loaded, err := presets.Load(ctx); err != nil {
		logger.Warnw("presets: custom presets unavailable", "error", err)
	} else if loaded > 0 {
		logger.Infow("presets: loaded custom presets", "count", loaded)
	}

	authService, err := auth.NewService(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		logger.Fatalw("failed to initialise auth service", "error", err)
	}

	generator := services.NewHFClient(cfg.HuggingFace, logger.Named("hf"))
	chat := services.NewChatService(services.ChatConfig{
		DefaultModel: cfg.HuggingFace.DefaultModel,
		Models:       cfg.HuggingFace.Models,
		CacheTTL:     cfg.Cache.TTL,
	}, conversations, presets, generator, replyCache, recorder, logger.Named("chat"))
	generationBudget := cfg.HuggingFace.GenerationBudget()
	if redisClient != nil {
		chat.WithLocker(services.NewRedisLocker(redisClient, generationBudget+30*time.Second, logger.Named("lock")))
	}

	handler := api.NewHandler(authService, chat, presets, recorder, logger.Named("api")).WithRateLimit(cfg.RateLimit)
	router := setupRouter(handler, logger)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: generationBudget + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("server listening", "addr", server.Addr, "model", cfg.HuggingFace.DefaultModel, "cache", cfg.Cache.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server crashed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}

	logger.Info("server stopped cleanly")
}

func setupRouter(handler *api.Handler, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestID(), api.AccessLog(logger.Named("http")), api.Metrics())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	handler.RegisterRoutes(router)

	return router
}
