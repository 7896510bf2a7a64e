package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/callquery/callquery/internal/storage"
	"github.com/callquery/callquery/internal/warehouse"
)

type Config struct {
	Schema  string
	Table   string
	Dataset string
}

// Engine serves the warehouse interface from parquet batches archived by the
// sync job. Batches are staged once into a local cache directory and reused
// while their size and ETag stay the same; every call exposes the staged
// files as schema.table inside a throwaway DuckDB instance.
type Engine struct {
	store storage.ObjectStore
	cfg   Config

	mu       sync.Mutex
	cacheDir string
	staged   map[string]stagedFile
	next     int
}

type stagedFile struct {
	path string
	size int64
	etag string
}

func NewEngine(store storage.ObjectStore, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Schema == "" || cfg.Table == "" {
		return nil, fmt.Errorf("schema and table are required")
	}
	if cfg.Dataset == "" {
		cfg.Dataset = cfg.Table
	}
	return &Engine{store: store, cfg: cfg, staged: map[string]stagedFile{}}, nil
}

// Close removes the staged batch files.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir := e.cacheDir
	e.cacheDir = ""
	e.staged = map[string]stagedFile{}
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

func (e *Engine) HealthCheck(ctx context.Context) error {
	prefix, err := storage.ArchivePrefix(e.cfg.Dataset)
	if err != nil {
		return err
	}
	if _, err := e.store.List(ctx, prefix); err != nil {
		return fmt.Errorf("list archive: %w", err)
	}
	return nil
}

func (e *Engine) TableColumns(ctx context.Context, schema, table string) ([]string, error) {
	var columns []string
	err := e.withSession(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`, schema, table)
		if err != nil {
			return fmt.Errorf("list columns for %s.%s: %w", schema, table, err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var column string
			if err := rows.Scan(&column); err != nil {
				return fmt.Errorf("scan column name: %w", err)
			}
			columns = append(columns, column)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s: %w", schema, table, warehouse.ErrNotFound)
	}
	return columns, nil
}

func (e *Engine) RandomRows(ctx context.Context, schema, table string, limit int) ([]warehouse.Row, error) {
	if limit <= 0 {
		return []warehouse.Row{}, nil
	}
	var out []warehouse.Row
	err := e.withSession(ctx, func(db *sql.DB) error {
		query := fmt.Sprintf(`SELECT * FROM %s ORDER BY random() LIMIT ?`, warehouse.QualifiedName(schema, table))
		rows, err := db.QueryContext(ctx, query, limit)
		if err != nil {
			return fmt.Errorf("sample rows from %s.%s: %w", schema, table, err)
		}
		defer func() { _ = rows.Close() }()
		result, err := warehouse.ScanRows(rows, limit)
		if err != nil {
			return err
		}
		out = result.Rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) DescribeSchema(ctx context.Context) (string, error) {
	var description string
	err := e.withSession(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = ?
ORDER BY table_name, ordinal_position`, e.cfg.Schema)
		if err != nil {
			return fmt.Errorf("describe schema %s: %w", e.cfg.Schema, err)
		}
		defer func() { _ = rows.Close() }()
		tables, err := warehouse.GroupColumns(rows)
		if err != nil {
			return err
		}
		description = warehouse.Describe(tables)
		return nil
	})
	return description, err
}

func (e *Engine) Execute(ctx context.Context, req warehouse.Request) (warehouse.Result, error) {
	sqlText := stripTrailingSemicolons(req.SQL)
	if sqlText == "" {
		return warehouse.Result{}, fmt.Errorf("sql is required")
	}
	if req.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, req.RowLimit)
	}

	start := time.Now()
	var result warehouse.Result
	err := e.withSession(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, sqlText)
		if err != nil {
			return fmt.Errorf("execute query: %w", err)
		}
		defer func() { _ = rows.Close() }()
		result, err = warehouse.ScanRows(rows, req.RowLimit)
		return err
	})
	if err != nil {
		return warehouse.Result{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Engine) withSession(ctx context.Context, fn func(db *sql.DB) error) error {
	prefix, err := storage.ArchivePrefix(e.cfg.Dataset)
	if err != nil {
		return err
	}
	objects, err := e.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list archive: %w", err)
	}
	objects = parquetObjects(objects)
	if len(objects) == 0 {
		return fmt.Errorf("no archived batches under %q: %w", prefix, warehouse.ErrNotFound)
	}

	localPaths, err := e.stage(ctx, objects)
	if err != nil {
		return err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, warehouse.QuoteIdent(e.cfg.Schema)),
		fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s, union_by_name = true)`,
			warehouse.QualifiedName(e.cfg.Schema, e.cfg.Table), quoteStringArray(localPaths)),
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("prepare archive view: %w", err)
		}
	}
	return fn(db)
}

// stage makes sure every listed batch has a local copy and returns the local
// paths in listing order. Superseded copies stay on disk until Close since a
// concurrent session may still be reading them.
func (e *Engine) stage(ctx context.Context, objects []storage.ObjectInfo) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cacheDir == "" {
		dir, err := os.MkdirTemp("", "callquery-duckdb-")
		if err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		e.cacheDir = dir
	}

	localPaths := make([]string, 0, len(objects))
	for _, object := range objects {
		if cached, ok := e.staged[object.Key]; ok && cached.size == object.Size && cached.etag == object.ETag {
			localPaths = append(localPaths, cached.path)
			continue
		}
		reader, err := e.store.Get(ctx, object.Key)
		if err != nil {
			return nil, fmt.Errorf("get object %q: %w", object.Key, err)
		}
		localPath := filepath.Join(e.cacheDir, fmt.Sprintf("batch_%05d.parquet", e.next))
		e.next++
		if err := writeFile(localPath, reader); err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("write local parquet file %q: %w", localPath, err)
		}
		if err := reader.Close(); err != nil {
			return nil, fmt.Errorf("close object %q: %w", object.Key, err)
		}
		e.staged[object.Key] = stagedFile{path: localPath, size: object.Size, etag: object.ETag}
		localPaths = append(localPaths, localPath)
	}
	return localPaths, nil
}

func parquetObjects(objects []storage.ObjectInfo) []storage.ObjectInfo {
	out := make([]storage.ObjectInfo, 0, len(objects))
	for _, object := range objects {
		if strings.HasSuffix(object.Key, ".parquet") {
			out = append(out, object)
		}
	}
	return out
}
