package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/callquery/callquery/internal/warehouse"
)

// Summarize describes a result in one sentence for clients that show no table.
func Summarize(result warehouse.Result) string {
	if len(result.Rows) == 0 {
		return "No rows."
	}
	columns := result.Columns
	if len(columns) == 0 {
		columns = sortedKeys(result.Rows[0])
	}
	noun := "rows"
	if len(result.Rows) == 1 {
		noun = "row"
	}
	return fmt.Sprintf("%d %s, columns: %s.", len(result.Rows), noun, strings.Join(columns, ", "))
}

// FeatureCollection is the GeoJSON document attached to map-capable answers.
type FeatureCollection = geojson.FeatureCollection

var geometryColumns = map[string]struct{}{
	"lat": {}, "lon": {}, "latitude": {}, "longitude": {}, "geom_json": {},
}

// GeoJSON builds a FeatureCollection from rows carrying lat/lon (or
// latitude/longitude) values or a geom_json geometry. Rows without a usable
// geometry are skipped; nil means no row had one.
func GeoJSON(result warehouse.Result) *FeatureCollection {
	var features []*geojson.Feature
	for _, row := range result.Rows {
		geometry, ok := rowGeometry(row)
		if !ok {
			continue
		}
		properties := make(map[string]any, len(row))
		for name, value := range row {
			if _, skip := geometryColumns[name]; skip {
				continue
			}
			properties[name] = value
		}
		features = append(features, &geojson.Feature{Geometry: geometry, Properties: properties})
	}
	if len(features) == 0 {
		return nil
	}
	return &FeatureCollection{Features: features}
}

func rowGeometry(row warehouse.Row) (geom.T, bool) {
	if raw, ok := row["geom_json"]; ok && raw != nil {
		var text []byte
		switch v := raw.(type) {
		case string:
			text = []byte(v)
		case []byte:
			text = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, false
			}
			text = encoded
		}
		var geometry geom.T
		if err := geojson.Unmarshal(text, &geometry); err == nil && geometry != nil {
			return geometry, true
		}
	}

	lat, latOK := firstFloat(row, "lat", "latitude")
	lon, lonOK := firstFloat(row, "lon", "longitude")
	if !latOK || !lonOK {
		return nil, false
	}
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}), true
}

func firstFloat(row warehouse.Row, names ...string) (float64, bool) {
	for _, name := range names {
		if value, ok := row[name]; ok {
			if f, ok := toFloat(value); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func sortedKeys(row warehouse.Row) []string {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
