package callsync

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

type ParquetEncodeResult struct {
	Data        []byte
	RecordCount int64
}

// EncodeBatchToParquet writes cleaned rows as a parquet file with one optional
// string column per warehouse column. Non-string values are written in their
// fmt form so the archive schema never depends on a single batch.
func EncodeBatchToParquet(columns []string, rows [][]any) (ParquetEncodeResult, error) {
	if len(columns) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("columns are required")
	}
	if len(rows) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("rows are required")
	}

	group := make(parquet.Group, len(columns))
	for _, column := range columns {
		if _, dup := group[column]; dup {
			return ParquetEncodeResult{}, fmt.Errorf("duplicate column %q", column)
		}
		group[column] = parquet.Optional(parquet.String())
	}
	schema := parquet.NewSchema("emergency_call", group)

	// Group fields are stored in name order; map each input column to its leaf.
	leafIndex := make(map[string]int, len(columns))
	for i, field := range schema.Fields() {
		leafIndex[field.Name()] = i
	}

	out := make([]parquet.Row, 0, len(rows))
	for rowIndex, values := range rows {
		if len(values) != len(columns) {
			return ParquetEncodeResult{}, fmt.Errorf("row %d has %d values, want %d", rowIndex, len(values), len(columns))
		}
		row := make(parquet.Row, len(columns))
		for i, column := range columns {
			leaf := leafIndex[column]
			if values[i] == nil {
				row[leaf] = parquet.NullValue().Level(0, 0, leaf)
				continue
			}
			row[leaf] = parquet.ByteArrayValue([]byte(stringValue(values[i]))).Level(0, 1, leaf)
		}
		out = append(out, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(out); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return ParquetEncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(out)),
	}, nil
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
