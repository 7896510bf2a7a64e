package callsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/callquery/callquery/internal/observability"
	"github.com/callquery/callquery/internal/storage"
	"github.com/callquery/callquery/internal/warehouse/postgres"
)

const (
	DefaultWatermarkColumn = "data_loaded_at"
	DefaultBatchSize       = 1000
	DefaultPageSize        = 500
)

// DefaultSince is the watermark used when the table is empty.
var DefaultSince = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

type Fetcher interface {
	Fetch(ctx context.Context, since time.Time, limit, offset int) ([]Record, error)
}

// Target is the warehouse side of a sync: column discovery, the current
// watermark and batched upserts.
type Target interface {
	TableColumns(ctx context.Context, schema, table string) ([]string, error)
	MaxTimestamp(ctx context.Context, schema, table, column string, fallback time.Time) (time.Time, error)
	UpsertRows(ctx context.Context, in postgres.UpsertInput) (int64, error)
}

type Config struct {
	Schema          string
	Table           string
	PrimaryKeys     []string
	WatermarkColumn string
	BatchSize       int
	PageSize        int
	Archive         bool
	Dataset         string
}

type Dependencies struct {
	Source Fetcher
	Target Target
	// Store receives one parquet object per batch when Config.Archive is set.
	Store  storage.ObjectStore
	Logger *slog.Logger
	Now    func() time.Time
}

type Report struct {
	Since     time.Time
	Watermark time.Time
	Batches   int
	Rows      int
	Archived  []string
}

type Service struct {
	cfg    Config
	source Fetcher
	target Target
	store  storage.ObjectStore
	log    *slog.Logger
	now    func() time.Time
}

func NewService(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if deps.Target == nil {
		return nil, fmt.Errorf("target is required")
	}
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, fmt.Errorf("table is required")
	}
	if len(cfg.PrimaryKeys) == 0 {
		return nil, fmt.Errorf("primary keys are required")
	}
	if cfg.Archive {
		if deps.Store == nil {
			return nil, fmt.Errorf("object store is required when archiving")
		}
		if _, err := storage.ArchivePrefix(cfg.Dataset); err != nil {
			return nil, err
		}
	}
	if cfg.WatermarkColumn == "" {
		cfg.WatermarkColumn = DefaultWatermarkColumn
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:    cfg,
		source: deps.Source,
		target: deps.Target,
		store:  deps.Store,
		log:    logger,
		now:    now,
	}, nil
}

// Run pulls every record loaded after the table's current watermark and
// upserts it batch by batch. Offsets advance by the fetched batch size so the
// watermark stays fixed for the whole run.
func (s *Service) Run(ctx context.Context) (Report, error) {
	runStart := s.now()
	columns, err := s.target.TableColumns(ctx, s.cfg.Schema, s.cfg.Table)
	if err != nil {
		return Report{}, fmt.Errorf("load target columns: %w", err)
	}
	if err := requireColumns(columns, s.cfg.PrimaryKeys); err != nil {
		return Report{}, err
	}

	since, err := s.target.MaxTimestamp(ctx, s.cfg.Schema, s.cfg.Table, s.cfg.WatermarkColumn, DefaultSince)
	if err != nil {
		return Report{}, err
	}
	s.log.Info("sync starting",
		slog.String("table", s.cfg.Schema+"."+s.cfg.Table),
		slog.Time("since", since),
		slog.Int("columns", len(columns)),
	)

	report := Report{Since: since, Watermark: since}
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := s.source.Fetch(ctx, since, s.cfg.BatchSize, offset)
		if err != nil {
			return report, fmt.Errorf("fetch batch at offset %d: %w", offset, err)
		}
		if len(batch) == 0 {
			break
		}

		rows := make([][]any, 0, len(batch))
		for _, record := range batch {
			rows = append(rows, CleanRecord(record, columns))
		}
		if _, err := s.target.UpsertRows(ctx, postgres.UpsertInput{
			Schema:   s.cfg.Schema,
			Table:    s.cfg.Table,
			Columns:  columns,
			Keys:     s.cfg.PrimaryKeys,
			Rows:     rows,
			PageSize: s.cfg.PageSize,
		}); err != nil {
			return report, fmt.Errorf("upsert batch at offset %d: %w", offset, err)
		}

		if s.cfg.Archive {
			key, err := s.archive(ctx, runStart, offset, columns, rows)
			if err != nil {
				return report, err
			}
			report.Archived = append(report.Archived, key)
		}

		batchWatermark := maxWatermark(batch, s.cfg.WatermarkColumn)
		if batchWatermark.After(report.Watermark) {
			report.Watermark = batchWatermark
		}
		observability.ObserveSyncBatch(len(rows), report.Watermark)

		report.Batches++
		report.Rows += len(rows)
		offset += len(batch)
		s.log.Info("sync batch upserted",
			slog.Int("rows", len(rows)),
			slog.Int("offset", offset),
		)
	}

	s.log.Info("sync finished",
		slog.Int("rows", report.Rows),
		slog.Int("batches", report.Batches),
		slog.Time("watermark", report.Watermark),
		slog.Duration("duration", s.now().Sub(runStart)),
	)
	return report, nil
}

func (s *Service) archive(ctx context.Context, runStart time.Time, offset int, columns []string, rows [][]any) (string, error) {
	encoded, err := EncodeBatchToParquet(columns, rows)
	if err != nil {
		return "", fmt.Errorf("encode archive batch: %w", err)
	}
	key, err := storage.BuildArchivePath(s.cfg.Dataset, runStart, offset)
	if err != nil {
		return "", err
	}
	if _, err := s.store.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
	}); err != nil {
		return "", fmt.Errorf("archive batch %s: %w", key, err)
	}
	return key, nil
}

func requireColumns(columns, keys []string) error {
	present := make(map[string]struct{}, len(columns))
	for _, column := range columns {
		present[column] = struct{}{}
	}
	for _, key := range keys {
		if _, ok := present[key]; !ok {
			return fmt.Errorf("primary key column %q is not in the target table", key)
		}
	}
	return nil
}

var watermarkLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

func maxWatermark(batch []Record, column string) time.Time {
	var latest time.Time
	for _, record := range batch {
		raw, ok := record[column].(string)
		if !ok {
			continue
		}
		for _, layout := range watermarkLayouts {
			ts, err := time.Parse(layout, strings.TrimSpace(raw))
			if err != nil {
				continue
			}
			if ts.After(latest) {
				latest = ts
			}
			break
		}
	}
	return latest
}
