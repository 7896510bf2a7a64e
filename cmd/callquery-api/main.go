package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/callquery/callquery/internal/api"
	"github.com/callquery/callquery/internal/auth"
	"github.com/callquery/callquery/internal/config"
	"github.com/callquery/callquery/internal/conversation"
	"github.com/callquery/callquery/internal/conversation/memory"
	conversationredis "github.com/callquery/callquery/internal/conversation/redis"
	conversationsqlite "github.com/callquery/callquery/internal/conversation/sqlite"
	"github.com/callquery/callquery/internal/llm"
	"github.com/callquery/callquery/internal/nl2sql"
	"github.com/callquery/callquery/internal/observability"
	"github.com/callquery/callquery/internal/prompt"
	"github.com/callquery/callquery/internal/routing"
	s3store "github.com/callquery/callquery/internal/storage/s3"
	"github.com/callquery/callquery/internal/warehouse"
	duckdbwarehouse "github.com/callquery/callquery/internal/warehouse/duckdb"
	"github.com/callquery/callquery/internal/warehouse/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", slog.Any("error", err))
	}

	cfg, err := config.LoadFromEnv("callquery-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	wh, readiness, closeWarehouse, err := openWarehouse(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open warehouse", slog.String("driver", cfg.Warehouse.Driver), slog.Any("error", err))
		os.Exit(1)
	}
	defer closeWarehouse()

	store, closeStore, err := openConversationStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open conversation store", slog.String("backend", cfg.Conversation.Backend), slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	taskModels, err := config.ParseTaskModels(cfg.LLM.TaskModels)
	if err != nil {
		logger.Error("failed to parse task models", slog.Any("error", err))
		os.Exit(1)
	}
	router := routing.NewRouterFromConfig(cfg.LLM.DefaultModel, taskModels)
	if cfg.LLM.AnswerModel != "" {
		router.SetTaskModel(llm.TaskNLP, cfg.LLM.AnswerModel)
	}
	prompts := prompt.NewStore(cfg.LLM.ResultRowCap)

	client, err := llm.NewOllamaClient(llm.OllamaConfig{URL: cfg.LLM.URL, Timeout: cfg.LLM.Timeout}, nil)
	if err != nil {
		logger.Error("failed to initialize llm client", slog.Any("error", err))
		os.Exit(1)
	}
	pipeline, err := nl2sql.NewPipeline(nl2sql.Config{
		Enabled:        cfg.LLM.Enabled,
		Schema:         cfg.Warehouse.Schema,
		Table:          cfg.Warehouse.Table,
		SampleRows:     cfg.Warehouse.SampleRows,
		ContextTimeout: cfg.LLM.ContextTimeout,
		Stream:         cfg.LLM.Stream,
		ChartPolicy:    nl2sql.ChartPolicy(cfg.LLM.ChartPolicy),
		ChartSuffix:    cfg.LLM.ChartSuffix,
	}, nl2sql.Dependencies{
		Router:  router,
		Prompts: prompts,
		Client:  client,
		Schema:  wh,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to initialize generation pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
	if err != nil {
		logger.Error("failed to parse static auth keys", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         readiness,
		DependencyTimeout: time.Second,
		Router:            router,
		Prompts:           prompts,
		Generator:         pipeline,
		Warehouse:         wh,
		Conversation:      conversation.NewContext(store),
		Limiter:           api.NewRateLimiter(cfg.HTTP.RateLimitQPS, cfg.HTTP.RateLimitBurst),
		AnswerFallback:    cfg.LLM.AnswerFallback,
		AskTimeout:        cfg.HTTP.AskTimeout,
	}
	switch {
	case cfg.Auth.Required:
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	case validator.Len() > 0:
		deps.AuthMiddleware = auth.OptionalMiddleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("warehouse", cfg.Warehouse.Driver),
			slog.String("conversation", cfg.Conversation.Backend),
			slog.String("default_model", router.DefaultModel()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func openWarehouse(ctx context.Context, cfg config.Config) (warehouse.Warehouse, api.ReadinessCheck, func(), error) {
	switch cfg.Warehouse.Driver {
	case "duckdb":
		objectStore, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initialize object store: %w", err)
		}
		engine, err := duckdbwarehouse.NewEngine(objectStore, duckdbwarehouse.Config{
			Schema:  cfg.Warehouse.Schema,
			Table:   cfg.Warehouse.Table,
			Dataset: cfg.Warehouse.ArchivePrefix,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		readiness := api.CombineReadinessChecks(api.CheckObjectStoreConfig(cfg), api.CheckWarehouse(engine))
		return engine, readiness, func() { _ = engine.Close() }, nil
	default:
		db, err := postgres.Open(ctx, postgres.DBConfig{
			DSN:             cfg.Warehouse.DSN,
			MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
			MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
			ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		repo := postgres.NewRepository(db, cfg.Warehouse.Schema, postgres.WithQueryTimeout(cfg.Warehouse.QueryTimeout))
		return repo, api.CheckWarehouse(repo), func() { _ = db.Close() }, nil
	}
}

func openConversationStore(ctx context.Context, cfg config.Config) (conversation.Store, func(), error) {
	switch cfg.Conversation.Backend {
	case "sqlite":
		store, err := conversationsqlite.Open(ctx, cfg.Conversation.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Conversation.RedisAddr,
			Password: cfg.Conversation.RedisPassword,
			DB:       cfg.Conversation.RedisDB,
		})
		store, err := conversationredis.NewStore(ctx, client, cfg.Conversation.RedisPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		return memory.NewStore(), func() {}, nil
	}
}
