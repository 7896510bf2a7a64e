package callsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSourceURL = "https://data.sfgov.org/resource/nuek-vuh3.json"

	// socrataTimestamp is the floating timestamp layout SoQL compares against.
	socrataTimestamp = "2006-01-02T15:04:05.000"
	maxErrorBody     = 2048
)

type Record map[string]any

type SourceConfig struct {
	URL             string
	AppToken        string
	WatermarkColumn string
	Timeout         time.Duration
}

// Source pages through a Socrata dataset ordered by its load timestamp.
type Source struct {
	url       string
	appToken  string
	watermark string
	http      *http.Client
}

func NewSource(cfg SourceConfig, client *http.Client) (*Source, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("source url is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	watermark := strings.TrimSpace(cfg.WatermarkColumn)
	if watermark == "" {
		watermark = DefaultWatermarkColumn
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Source{url: endpoint, appToken: strings.TrimSpace(cfg.AppToken), watermark: watermark, http: client}, nil
}

// Fetch returns up to limit records loaded after since, skipping offset.
// A zero since fetches from the start of the dataset.
func (s *Source) Fetch(ctx context.Context, since time.Time, limit, offset int) ([]Record, error) {
	params := url.Values{}
	params.Set("$limit", strconv.Itoa(limit))
	params.Set("$offset", strconv.Itoa(offset))
	params.Set("$order", s.watermark+" ASC")
	if !since.IsZero() {
		params.Set("$where", fmt.Sprintf("%s > '%s'", s.watermark, since.UTC().Format(socrataTimestamp)))
	}

	endpoint := s.url
	if strings.Contains(endpoint, "?") {
		endpoint += "&" + params.Encode()
	} else {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.appToken != "" {
		req.Header.Set("X-App-Token", s.appToken)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch source batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read source batch: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("source returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var records []Record
	if err := decoder.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode source batch: %w", err)
	}
	return records, nil
}
