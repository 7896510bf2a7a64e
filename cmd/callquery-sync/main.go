package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/callquery/callquery/internal/callsync"
	"github.com/callquery/callquery/internal/config"
	"github.com/callquery/callquery/internal/observability"
	"github.com/callquery/callquery/internal/storage"
	s3store "github.com/callquery/callquery/internal/storage/s3"
	"github.com/callquery/callquery/internal/warehouse/postgres"
)

func main() {
	interval := flag.Duration("interval", 0, "repeat the sync on this interval; 0 runs once")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", slog.Any("error", err))
	}
	cfg, err := config.LoadFromEnv("callquery-sync")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	db, err := postgres.Open(context.Background(), postgres.DBConfig{
		DSN:             cfg.Warehouse.DSN,
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open warehouse db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	repo := postgres.NewRepository(db, cfg.Warehouse.Schema)

	source, err := callsync.NewSource(callsync.SourceConfig{
		URL:      cfg.Sync.SourceURL,
		AppToken: cfg.Sync.AppToken,
		Timeout:  cfg.Sync.Timeout,
	}, &http.Client{Timeout: cfg.Sync.Timeout})
	if err != nil {
		logger.Error("failed to initialize source", slog.Any("error", err))
		os.Exit(1)
	}

	var objectStore storage.ObjectStore
	if cfg.Sync.Archive {
		objectStore, err = s3store.New(context.Background(), s3store.Config{
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
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	service, err := callsync.NewService(callsync.Config{
		Schema:      cfg.Warehouse.Schema,
		Table:       cfg.Warehouse.Table,
		PrimaryKeys: config.SplitList(cfg.Sync.PrimaryKeys),
		BatchSize:   cfg.Sync.BatchSize,
		PageSize:    cfg.Sync.PageSize,
		Archive:     cfg.Sync.Archive,
		Dataset:     cfg.Warehouse.ArchivePrefix,
	}, callsync.Dependencies{
		Source: source,
		Target: repo,
		Store:  objectStore,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to initialize sync service", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sync started",
		slog.String("source", cfg.Sync.SourceURL),
		slog.String("table", cfg.Warehouse.Schema+"."+cfg.Warehouse.Table),
		slog.Bool("archive", cfg.Sync.Archive),
		slog.Duration("interval", *interval),
	)

	for {
		report, err := service.Run(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			logger.Info("sync stopped")
			return
		case err != nil:
			logger.Error("sync run failed", slog.Any("error", err))
			if *interval <= 0 {
				os.Exit(1)
			}
		default:
			logger.Info("sync run finished",
				slog.Time("since", report.Since),
				slog.Time("watermark", report.Watermark),
				slog.Int("batches", report.Batches),
				slog.Int("rows", report.Rows),
				slog.Int("archived", len(report.Archived)),
			)
		}
		if *interval <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			logger.Info("sync stopped")
			return
		case <-time.After(*interval):
		}
	}
}
