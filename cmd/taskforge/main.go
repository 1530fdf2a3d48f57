package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/taskforge/internal/api"
	"github.com/nidhogg/taskforge/internal/breaker"
	"github.com/nidhogg/taskforge/internal/config"
	"github.com/nidhogg/taskforge/internal/embedding"
	"github.com/nidhogg/taskforge/internal/event"
	"github.com/nidhogg/taskforge/internal/history"
	"github.com/nidhogg/taskforge/internal/match"
	"github.com/nidhogg/taskforge/internal/plan"
	"github.com/nidhogg/taskforge/internal/queue"
	"github.com/nidhogg/taskforge/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Taskforge...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/taskforge.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize embedding provider
	embCfg := embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	}
	var provider embedding.Provider
	switch cfg.Embedding.Provider {
	case "local":
		provider = embedding.NewLocalProvider(embCfg)
	default:
		provider = embedding.NewAPIProvider(embCfg)
	}

	// Initialize history store
	var hist *history.Store
	if cfg.Database.Postgres.DSN != "" {
		hs, pgErr := history.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without history", zap.Error(pgErr))
		} else {
			if mErr := hs.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			hist = hs
		}
	}

	// Initialize event publisher: Redis stream when configured, else in-process bus
	var events event.Publisher
	var stream *event.RedisStream
	if cfg.Database.Redis.URL != "" {
		rs, busErr := event.NewRedisStream(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, events stay in-process", zap.Error(busErr))
		} else {
			stream = rs
			events = rs
		}
	}
	if events == nil {
		events = event.NewBus()
	}

	// Initialize vector store for plan indexing
	var vectors *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		vc, qErr := vectorstore.NewClient(vectorstore.Config{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, plans not indexed", zap.Error(qErr))
		} else {
			dim := uint64(cfg.Embedding.Dimension)
			if dim == 0 {
				dim = 1536
			}
			if cErr := vc.EnsureCollection(context.Background(), vectorstore.PlanCollection, dim); cErr != nil {
				logger.Warn("failed to ensure plan collection", zap.Error(cErr))
			}
			vectors = vc
		}
	}

	// Initialize the task queue coordinator
	var sink queue.TransitionSink
	if hist != nil {
		sink = hist
	}
	q := queue.New(queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		DefaultTimeout: cfg.Queue.DefaultTimeout.Std(),
		Backoff: queue.Backoff{
			Base: cfg.Queue.BackoffBase.Std(),
			Max:  cfg.Queue.BackoffMax.Std(),
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           cfg.Breaker.Window.Std(),
			Cooldown:         cfg.Breaker.Cooldown.Std(),
		},
	}, nil, nil, events, sink, logger)

	// Initialize matcher and plan detector
	var outcomes match.OutcomeSink
	if hist != nil {
		outcomes = hist
	}
	matcher := match.New(match.Config{
		Threshold:        cfg.Matcher.Threshold,
		SimilarityWeight: cfg.Matcher.SimilarityWeight,
		CacheTTL:         cfg.Matcher.CacheTTL.Std(),
		FallbackEnabled:  cfg.Matcher.FallbackEnabled,
	}, provider, outcomes, events, nil, nil, logger)

	var planStore plan.HistoryStore
	if hist != nil {
		planStore = hist
	}
	detector := plan.New(plan.Config{
		SimilarityThreshold: cfg.Plan.SimilarityThreshold,
		MinSuccessQuality:   cfg.Plan.MinSuccessQuality,
		MaxResults:          cfg.Plan.MaxResults,
	}, provider, planStore, vectors, events, nil, nil, logger)

	// Build HTTP handler
	handler := api.NewHandler(q, matcher, detector, hist, logger)

	// Start server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Taskforge listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Taskforge...")
	srv.Shutdown(context.Background())
	if stream != nil {
		stream.Close()
	}
	if vectors != nil {
		vectors.Close()
	}
	if hist != nil {
		hist.Close()
	}
}
