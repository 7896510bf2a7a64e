package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/callquery/callquery/internal/warehouse"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the Postgres warehouse. It answers schema questions for
// prompt building, runs generated SQL and takes upserts from the sync job.
type Repository struct {
	db           *sql.DB
	schema       string
	queryTimeout time.Duration
}

type Option func(*Repository)

func WithQueryTimeout(timeout time.Duration) Option {
	return func(r *Repository) {
		r.queryTimeout = timeout
	}
}

func NewRepository(db *sql.DB, schema string, opts ...Option) *Repository {
	r := &Repository{db: db, schema: schema}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping warehouse db: %w", err)
	}
	return nil
}

func (r *Repository) TableColumns(ctx context.Context, schema, table string) ([]string, error) {
	return tableColumns(ctx, r.db, schema, table)
}

func tableColumns(ctx context.Context, q dbTX, schema, table string) ([]string, error) {
	query := `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`
	rows, err := q.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns for %s.%s: %w", schema, table, err)
	}
	defer func() { _ = rows.Close() }()

	columns := []string{}
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s: %w", schema, table, warehouse.ErrNotFound)
	}
	return columns, nil
}

func (r *Repository) RandomRows(ctx context.Context, schema, table string, limit int) ([]warehouse.Row, error) {
	if limit <= 0 {
		return []warehouse.Row{}, nil
	}
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY random() LIMIT $1`, warehouse.QualifiedName(schema, table))
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sample rows from %s.%s: %w", schema, table, err)
	}
	defer func() { _ = rows.Close() }()

	result, err := warehouse.ScanRows(rows, limit)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

func (r *Repository) DescribeSchema(ctx context.Context) (string, error) {
	query := `
SELECT table_schema, table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`
	rows, err := r.db.QueryContext(ctx, query, r.schema)
	if err != nil {
		return "", fmt.Errorf("describe schema %s: %w", r.schema, err)
	}
	defer func() { _ = rows.Close() }()

	tables, err := warehouse.GroupColumns(rows)
	if err != nil {
		return "", err
	}
	return warehouse.Describe(tables), nil
}

func (r *Repository) Execute(ctx context.Context, req warehouse.Request) (warehouse.Result, error) {
	sqlText := strings.TrimSpace(req.SQL)
	if sqlText == "" {
		return warehouse.Result{}, fmt.Errorf("sql is required")
	}
	if r.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.queryTimeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, sqlText)
	if err != nil {
		return warehouse.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := warehouse.ScanRows(rows, req.RowLimit)
	if err != nil {
		return warehouse.Result{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

type UpsertInput struct {
	Schema   string
	Table    string
	Columns  []string
	Keys     []string
	Rows     [][]any
	PageSize int
}

// UpsertRows writes rows in pages of PageSize inside one transaction. A row
// whose key already exists has its non-key columns overwritten.
func (r *Repository) UpsertRows(ctx context.Context, in UpsertInput) (int64, error) {
	if len(in.Columns) == 0 {
		return 0, fmt.Errorf("upsert columns are required")
	}
	if len(in.Keys) == 0 {
		return 0, fmt.Errorf("upsert conflict keys are required")
	}
	if len(in.Rows) == 0 {
		return 0, nil
	}
	pageSize := in.PageSize
	if pageSize <= 0 {
		pageSize = len(in.Rows)
	}

	var affected int64
	err := r.withTx(ctx, func(tx dbTX) error {
		for start := 0; start < len(in.Rows); start += pageSize {
			end := start + pageSize
			if end > len(in.Rows) {
				end = len(in.Rows)
			}
			query, args, err := buildUpsert(in.Schema, in.Table, in.Columns, in.Keys, in.Rows[start:end])
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("upsert rows %d-%d: %w", start, end, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("upsert rows affected: %w", err)
			}
			affected += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func buildUpsert(schema, table string, columns, keys []string, rows [][]any) (string, []any, error) {
	quotedColumns := make([]string, len(columns))
	for i, column := range columns {
		quotedColumns[i] = warehouse.QuoteIdent(column)
	}
	quotedKeys := make([]string, len(keys))
	keySet := make(map[string]struct{}, len(keys))
	for i, key := range keys {
		quotedKeys[i] = warehouse.QuoteIdent(key)
		keySet[key] = struct{}{}
	}

	args := make([]any, 0, len(rows)*len(columns))
	tuples := make([]string, 0, len(rows))
	for rowIndex, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("row %d has %d values, want %d", rowIndex, len(row), len(columns))
		}
		placeholders := make([]string, len(row))
		for i, value := range row {
			args = append(args, value)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		tuples = append(tuples, "("+strings.Join(placeholders, ", ")+")")
	}

	var updates []string
	for _, column := range columns {
		if _, isKey := keySet[column]; isKey {
			continue
		}
		quoted := warehouse.QuoteIdent(column)
		updates = append(updates, quoted+" = EXCLUDED."+quoted)
	}
	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) %s",
		warehouse.QualifiedName(schema, table),
		strings.Join(quotedColumns, ", "),
		strings.Join(tuples, ", "),
		strings.Join(quotedKeys, ", "),
		action,
	)
	return query, args, nil
}

// MaxTimestamp returns max(column), or fallback when the table is empty.
func (r *Repository) MaxTimestamp(ctx context.Context, schema, table, column string, fallback time.Time) (time.Time, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(%s), $1) FROM %s`, warehouse.QuoteIdent(column), warehouse.QualifiedName(schema, table))
	var value time.Time
	if err := r.db.QueryRowContext(ctx, query, fallback).Scan(&value); err != nil {
		return time.Time{}, fmt.Errorf("read max %s from %s.%s: %w", column, schema, table, err)
	}
	return value, nil
}

func (r *Repository) withTx(ctx context.Context, fn func(tx dbTX) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
