package callqueryctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type call struct {
	method string
	path   string
	body   any
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("callqueryctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "callquery API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	userID := fs.String("user-id", defaults.UserID, "X-User-ID header (used when auth is disabled)")
	model := fs.String("model", "", "model override for sql and ask")
	chart := fs.Bool("chart", false, "ask for chart-friendly SQL")
	maxChars := fs.Int("max-chars", 0, "summary length for the summary command")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 2*time.Minute), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
	var c call
	switch command {
	case "health":
		c = call{method: http.MethodGet, path: "/v1/health"}
	case "ready":
		c = call{method: http.MethodGet, path: "/v1/ready"}
	case "models":
		c = call{method: http.MethodGet, path: "/v1/models"}
	case "schema":
		c = call{method: http.MethodGet, path: "/v1/schema"}
	case "history":
		c = call{method: http.MethodGet, path: "/v1/history"}
	case "reset":
		c = call{method: http.MethodDelete, path: "/v1/history"}
	case "summary":
		path := "/v1/history/summary"
		if *maxChars > 0 {
			path += "?" + url.Values{"max_chars": []string{strconv.Itoa(*maxChars)}}.Encode()
		}
		c = call{method: http.MethodGet, path: path}
	case "prefer":
		if rest == "" {
			_, _ = fmt.Fprintln(stderr, "prefer requires a model name")
			return 2
		}
		c = call{method: http.MethodPost, path: "/v1/models/preferences", body: map[string]any{"model": rest}}
	case "sql", "ask":
		if rest == "" {
			_, _ = fmt.Fprintf(stderr, "%s requires a question\n", command)
			return 2
		}
		body := map[string]any{"question": rest, "chart": *chart}
		if strings.TrimSpace(*model) != "" {
			body["model"] = strings.TrimSpace(*model)
		}
		c = call{method: http.MethodPost, path: "/v1/" + command, body: body}
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + c.path
	code, responseBody, err := doRequest(ctx, client, c.method, endpoint, c.body, *apiKey, *userID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, method, url string, payload any, apiKey, userID string) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if strings.TrimSpace(userID) != "" {
		req.Header.Set("X-User-ID", strings.TrimSpace(userID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: callqueryctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health              GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready               GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  models              GET /v1/models")
	_, _ = fmt.Fprintln(w, "  schema              GET /v1/schema")
	_, _ = fmt.Fprintln(w, "  sql <question>      POST /v1/sql")
	_, _ = fmt.Fprintln(w, "  ask <question>      POST /v1/ask")
	_, _ = fmt.Fprintln(w, "  prefer <model>      POST /v1/models/preferences")
	_, _ = fmt.Fprintln(w, "  history             GET /v1/history")
	_, _ = fmt.Fprintln(w, "  summary             GET /v1/history/summary")
	_, _ = fmt.Fprintln(w, "  reset               DELETE /v1/history")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
