package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 2048

type OllamaConfig struct {
	URL     string
	Timeout time.Duration
}

type OllamaClient struct {
	url        string
	httpClient *http.Client
}

func NewOllamaClient(cfg OllamaConfig, httpClient *http.Client) (*OllamaClient, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("llm url is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &OllamaClient{url: url, httpClient: httpClient}, nil
}

func (c *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal completion request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return Completion{}, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	completion, err := Reconstruct(body)
	if err != nil {
		return Completion{}, err
	}
	if completion.Model == "" {
		completion.Model = req.Model
	}
	return completion, nil
}
