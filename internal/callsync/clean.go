package callsync

import (
	"bytes"
	"encoding/json"
	"strings"
)

// CleanValue normalizes one source value for the warehouse: strings are
// trimmed with "" becoming NULL, objects and arrays become JSON text.
func CleanValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return trimmed
	case json.Number:
		return v.String()
	case map[string]any, []any:
		var buf bytes.Buffer
		encoder := json.NewEncoder(&buf)
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(v); err != nil {
			return nil
		}
		return strings.TrimRight(buf.String(), "\n")
	default:
		return v
	}
}

// NormalizeKey maps a source field name to its column name.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), " ", "_")
}

// CleanRecord projects record onto columns. Fields without a column are
// dropped and columns missing from the record are NULL.
func CleanRecord(record Record, columns []string) []any {
	normalized := make(map[string]any, len(record))
	for key, value := range record {
		normalized[NormalizeKey(key)] = value
	}
	out := make([]any, len(columns))
	for i, column := range columns {
		out[i] = CleanValue(normalized[column])
	}
	return out
}
