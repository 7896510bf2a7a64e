package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("warehouse: not found")

// Row maps column name to value. Result.Columns keeps the column order.
type Row map[string]any

type Request struct {
	SQL      string
	RowLimit int
}

type Result struct {
	Columns  []string
	Rows     []Row
	Duration time.Duration
}

type Warehouse interface {
	HealthCheck(ctx context.Context) error
	TableColumns(ctx context.Context, schema, table string) ([]string, error)
	RandomRows(ctx context.Context, schema, table string, limit int) ([]Row, error)
	DescribeSchema(ctx context.Context) (string, error)
	Execute(ctx context.Context, req Request) (Result, error)
}

// QuoteIdent quotes an identifier for both Postgres and DuckDB.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func QualifiedName(schema, table string) string {
	if schema == "" {
		return QuoteIdent(table)
	}
	return QuoteIdent(schema) + "." + QuoteIdent(table)
}

// ScanRows drains rows into a Result. rowLimit <= 0 means no limit.
func ScanRows(rows *sql.Rows, rowLimit int) (Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("read result columns: %w", err)
	}

	out := Result{Columns: columns, Rows: []Row{}}
	for rows.Next() {
		if rowLimit > 0 && len(out.Rows) >= rowLimit {
			break
		}
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return Result{}, fmt.Errorf("scan result row: %w", err)
		}
		row := make(Row, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate result rows: %w", err)
	}
	return out, nil
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}

// Describe renders table definitions as "schema.table(col type, ...)" lines.
func Describe(tables []TableDescription) string {
	lines := make([]string, 0, len(tables))
	for _, table := range tables {
		parts := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			parts = append(parts, column.Name+" "+column.Type)
		}
		lines = append(lines, fmt.Sprintf("%s.%s(%s)", table.Schema, table.Name, strings.Join(parts, ", ")))
	}
	return strings.Join(lines, "\n")
}

type TableDescription struct {
	Schema  string
	Name    string
	Columns []ColumnDescription
}

type ColumnDescription struct {
	Name string
	Type string
}

// GroupColumns folds (schema, table, column, type) tuples, already ordered by
// table and ordinal position, into table descriptions.
func GroupColumns(rows *sql.Rows) ([]TableDescription, error) {
	var tables []TableDescription
	for rows.Next() {
		var schema, table, column, dataType string
		if err := rows.Scan(&schema, &table, &column, &dataType); err != nil {
			return nil, fmt.Errorf("scan column description: %w", err)
		}
		if n := len(tables); n == 0 || tables[n-1].Schema != schema || tables[n-1].Name != table {
			tables = append(tables, TableDescription{Schema: schema, Name: table})
		}
		last := &tables[len(tables)-1]
		last.Columns = append(last.Columns, ColumnDescription{Name: column, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column descriptions: %w", err)
	}
	return tables, nil
}
