package nl2sql

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callquery/callquery/internal/conversation"
	"github.com/callquery/callquery/internal/llm"
	"github.com/callquery/callquery/internal/prompt"
	"github.com/callquery/callquery/internal/routing"
	"github.com/callquery/callquery/internal/warehouse"
)

type fakeClient struct {
	mu       sync.Mutex
	response string
	err      error
	requests []llm.CompletionRequest
}

func (f *fakeClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	return llm.Completion{Model: req.Model, Response: f.response, Done: true, Chunks: 1}, nil
}

func (f *fakeClient) lastPrompt(t *testing.T) llm.CompletionRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("client was not called")
	}
	return f.requests[len(f.requests)-1]
}

type fakeSchema struct {
	mu          sync.Mutex
	columns     []string
	description string
	samples     []warehouse.Row
	columnsErr  error
	calls       []string
}

func (f *fakeSchema) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSchema) TableColumns(_ context.Context, _, _ string) ([]string, error) {
	f.record("columns")
	if f.columnsErr != nil {
		return nil, f.columnsErr
	}
	return f.columns, nil
}

func (f *fakeSchema) RandomRows(_ context.Context, _, _ string, _ int) ([]warehouse.Row, error) {
	f.record("samples")
	return f.samples, nil
}

func (f *fakeSchema) DescribeSchema(context.Context) (string, error) {
	f.record("schema")
	return f.description, nil
}

type blockingSchema struct{}

func (blockingSchema) TableColumns(ctx context.Context, _, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingSchema) RandomRows(ctx context.Context, _, _ string, _ int) ([]warehouse.Row, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingSchema) DescribeSchema(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// newOllamaPipeline wires the pipeline to a real Ollama client talking to an
// httptest server that answers every request with body.
func newOllamaPipeline(t *testing.T, cfg Config, body string, schema SchemaSource) *Pipeline {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	client, err := llm.NewOllamaClient(llm.OllamaConfig{URL: server.URL + "/api/generate", Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewOllamaClient() error = %v", err)
	}
	return newTestPipeline(t, cfg, client, schema)
}

func newTestPipeline(t *testing.T, cfg Config, client llm.Client, schema SchemaSource) *Pipeline {
	t.Helper()
	router := routing.NewRouter("gpt-oss:20b", map[llm.TaskType]string{
		llm.TaskSQL:   "qwen2.5-coder:7b",
		llm.TaskChart: "qwen2.5-coder:7b",
		llm.TaskNLP:   "llama3.2:3b",
	})
	pipeline, err := NewPipeline(cfg, Dependencies{
		Router:  router,
		Prompts: prompt.NewStore(prompt.DefaultRowCap),
		Client:  client,
		Schema:  schema,
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	return pipeline
}

func enabledConfig() Config {
	return Config{
		Enabled:        true,
		Schema:         "emergence",
		Table:          "emergency_calls",
		SampleRows:     3,
		ContextTimeout: time.Second,
		ChartPolicy:    ChartPolicyTemplate,
		ChartSuffix:    " Return two columns: label and value.",
	}
}

func defaultSchema() *fakeSchema {
	return &fakeSchema{
		columns:     []string{"call_number", "unit_id", "call_type"},
		description: "emergence.emergency_calls(call_number text, unit_id text, call_type text)",
		samples:     []warehouse.Row{{"call_number": "1", "call_type": "Medical Incident"}},
	}
}

func TestGenerateReturnsCleanedSQL(t *testing.T) {
	client := &fakeClient{response: "```sql\nSELECT COUNT(*) FROM emergence.emergency_calls;\n```"}
	pipeline := newTestPipeline(t, enabledConfig(), client, defaultSchema())

	result, err := pipeline.Generate(context.Background(), Request{Question: "how many calls?", UserID: "alice"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.SQL != "SELECT COUNT(*) FROM emergence.emergency_calls;" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if result.Model != "qwen2.5-coder:7b" || result.Task != llm.TaskSQL {
		t.Fatalf("result = %#v", result)
	}

	req := client.lastPrompt(t)
	if req.Model != "qwen2.5-coder:7b" {
		t.Fatalf("request model = %q", req.Model)
	}
	for _, want := range []string{
		"-- Target table: emergence.emergency_calls",
		"-- Available columns: call_number, unit_id, call_type",
		"-- Schema: emergence.emergency_calls(call_number text",
		`"call_type":"Medical Incident"`,
		"-- Question: how many calls?",
	} {
		if !strings.Contains(req.Prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, req.Prompt)
		}
	}
}

func TestTranslateMatchesGenerate(t *testing.T) {
	client := &fakeClient{response: "SELECT 1"}
	var translator Translator = newTestPipeline(t, enabledConfig(), client, defaultSchema())

	result, err := translator.Translate(context.Background(), Request{Question: "anything"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT 1" || result.Task != llm.TaskSQL {
		t.Fatalf("result = %#v", result)
	}
}

func TestGenerateHonorsModelOverrideAndUserPreference(t *testing.T) {
	client := &fakeClient{response: "SELECT 1"}
	pipeline := newTestPipeline(t, enabledConfig(), client, defaultSchema())
	pipeline.router.AddUserPreference("bob", "sqlcoder:7b")

	result, err := pipeline.Generate(context.Background(), Request{Question: "q", UserID: "bob"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.Model != "sqlcoder:7b" {
		t.Fatalf("preferred model = %q", result.Model)
	}

	result, err = pipeline.Generate(context.Background(), Request{Question: "q", UserID: "bob", Model: "phi3:3.8b"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.Model != "phi3:3.8b" {
		t.Fatalf("override model = %q", result.Model)
	}
}

func TestGenerateSkipsContextTheTemplateDoesNotUse(t *testing.T) {
	client := &fakeClient{response: "SELECT 1"}
	schema := defaultSchema()
	pipeline := newTestPipeline(t, enabledConfig(), client, schema)

	if _, err := pipeline.Generate(context.Background(), Request{Question: "q", Model: "unknown-model"}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(schema.calls) != 0 {
		t.Fatalf("schema calls = %#v, want none for fallback template", schema.calls)
	}
	if got := client.lastPrompt(t).Prompt; got != "q" {
		t.Fatalf("prompt = %q, want bare question", got)
	}
}

func TestGeneratePrependsHistoryWhenTemplateHasNoSlot(t *testing.T) {
	client := &fakeClient{response: "SELECT 1"}
	pipeline := newTestPipeline(t, enabledConfig(), client, defaultSchema())

	history := []conversation.Message{
		{Role: conversation.RoleUser, Content: "calls today"},
		{Role: conversation.RoleAssistant, Content: "SELECT 2"},
	}
	if _, err := pipeline.Generate(context.Background(), Request{Question: "and yesterday?", Model: "custom", History: history}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := "user: calls today\nassistant: SELECT 2\nand yesterday?"
	if got := client.lastPrompt(t).Prompt; got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestGenerateRejectsInvalidShape(t *testing.T) {
	client := &fakeClient{response: "I cannot help with that."}
	pipeline := newTestPipeline(t, enabledConfig(), client, defaultSchema())

	_, err := pipeline.Generate(context.Background(), Request{Question: "q"})
	var invalid *InvalidGenerationError
	if !errors.As(err, &invalid) {
		t.Fatalf("Generate() error = %v, want InvalidGenerationError", err)
	}
	if invalid.Text != "I cannot help with that." {
		t.Fatalf("Text = %q", invalid.Text)
	}
	if Classify(err) != KindInvalidGeneration {
		t.Fatalf("Classify() = %q", Classify(err))
	}

	fenced := "```\nI don't know.\n```\n"
	pipeline = newTestPipeline(t, enabledConfig(), &fakeClient{response: fenced}, defaultSchema())
	_, err = pipeline.Generate(context.Background(), Request{Question: "q"})
	if !errors.As(err, &invalid) {
		t.Fatalf("Generate() error = %v, want InvalidGenerationError", err)
	}
	if invalid.Text != "I don't know." {
		t.Fatalf("Text = %q, want cleaned text", invalid.Text)
	}
	if invalid.Raw != fenced {
		t.Fatalf("Raw = %q", invalid.Raw)
	}
}

func TestGenerateDisabled(t *testing.T) {
	client := &fakeClient{response: "SELECT 1"}
	cfg := enabledConfig()
	cfg.Enabled = false
	pipeline := newTestPipeline(t, cfg, client, defaultSchema())

	if _, err := pipeline.Generate(context.Background(), Request{Question: "q"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Generate() error = %v, want ErrDisabled", err)
	}
	if _, err := pipeline.Answer(context.Background(), AnswerRequest{Question: "q"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Answer() error = %v, want ErrDisabled", err)
	}
	if len(client.requests) != 0 {
		t.Fatalf("client called %d times", len(client.requests))
	}
}

func TestGeneratePropagatesTransportAndContextErrors(t *testing.T) {
	client := &fakeClient{err: &llm.TransportError{StatusCode: 503, Body: "overloaded"}}
	pipeline := newTestPipeline(t, enabledConfig(), client, defaultSchema())
	_, err := pipeline.Generate(context.Background(), Request{Question: "q"})
	if Classify(err) != KindTransport {
		t.Fatalf("Classify(%v) = %q", err, Classify(err))
	}

	schema := defaultSchema()
	schema.columnsErr = errors.New("connection refused")
	pipeline = newTestPipeline(t, enabledConfig(), &fakeClient{response: "SELECT 1"}, schema)
	_, err = pipeline.Generate(context.Background(), Request{Question: "q"})
	var gather *ContextError
	if !errors.As(err, &gather) || gather.Op != "columns" {
		t.Fatalf("Generate() error = %v, want ContextError(columns)", err)
	}
}

func TestGenerateChartSQLPolicies(t *testing.T) {
	client := &fakeClient{response: "SELECT call_type AS label, COUNT(*) AS value FROM t GROUP BY 1"}
	pipeline := newTestPipeline(t, enabledConfig(), client, defaultSchema())

	result, err := pipeline.GenerateChartSQL(context.Background(), Request{Question: "calls by type"})
	if err != nil {
		t.Fatalf("GenerateChartSQL() error = %v", err)
	}
	if result.Task != llm.TaskChart {
		t.Fatalf("Task = %q", result.Task)
	}
	if !strings.Contains(client.lastPrompt(t).Prompt, "compared side by side in a chart") {
		t.Fatalf("template policy did not use chart template:\n%s", client.lastPrompt(t).Prompt)
	}

	cfg := enabledConfig()
	cfg.ChartPolicy = ChartPolicySuffix
	pipeline = newTestPipeline(t, cfg, client, defaultSchema())
	result, err = pipeline.GenerateChartSQL(context.Background(), Request{Question: "calls by type"})
	if err != nil {
		t.Fatalf("GenerateChartSQL() error = %v", err)
	}
	if result.Task != llm.TaskChart {
		t.Fatalf("Task = %q", result.Task)
	}
	got := client.lastPrompt(t).Prompt
	if !strings.Contains(got, "-- Question: calls by type Return two columns: label and value.") {
		t.Fatalf("suffix missing:\n%s", got)
	}
	if strings.Contains(got, "in a chart") {
		t.Fatalf("suffix policy used chart template:\n%s", got)
	}
}

func TestAnswerUsesNLPTemplate(t *testing.T) {
	client := &fakeClient{response: "  There were 12 medical calls.\n"}
	pipeline := newTestPipeline(t, enabledConfig(), client, defaultSchema())

	answer, err := pipeline.Answer(context.Background(), AnswerRequest{
		Question: "how many medical calls?",
		Rows:     []warehouse.Row{{"n": 12}},
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != "There were 12 medical calls." {
		t.Fatalf("Answer() = %q", answer)
	}
	req := client.lastPrompt(t)
	if req.Model != "llama3.2:3b" {
		t.Fatalf("model = %q", req.Model)
	}
	if !strings.HasPrefix(req.Prompt, "Given the SQL query results:\n[{\"n\":12}]\nAnswer the question: how many medical calls?") {
		t.Fatalf("prompt = %q", req.Prompt)
	}
}

func TestAnswerWarnsWhenTemplateDropsResults(t *testing.T) {
	var logs bytes.Buffer
	router := routing.NewRouter("gpt-oss:20b", map[llm.TaskType]string{llm.TaskNLP: "llama3.2:3b"})
	router.AddUserPreference("alice", "sqlcoder:7b")
	client := &fakeClient{response: "Twelve."}
	pipeline, err := NewPipeline(enabledConfig(), Dependencies{
		Router:  router,
		Prompts: prompt.NewStore(prompt.DefaultRowCap),
		Client:  client,
		Logger:  slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}

	if _, err := pipeline.Answer(context.Background(), AnswerRequest{Question: "how many?", UserID: "alice", Rows: []warehouse.Row{{"n": 12}}}); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if got := client.lastPrompt(t); got.Model != "sqlcoder:7b" || got.Prompt != "how many?" {
		t.Fatalf("request = %#v", got)
	}
	if !strings.Contains(logs.String(), "answer_template_without_results") {
		t.Fatalf("missing warning in logs:\n%s", logs.String())
	}

	logs.Reset()
	if _, err := pipeline.Answer(context.Background(), AnswerRequest{Question: "how many?", UserID: "bob", Rows: []warehouse.Row{{"n": 12}}}); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if strings.Contains(logs.String(), "answer_template_without_results") {
		t.Fatalf("unexpected warning for nlp template:\n%s", logs.String())
	}
}

func TestNewPipelineValidates(t *testing.T) {
	if _, err := NewPipeline(Config{}, Dependencies{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
	_, err := NewPipeline(Config{ChartPolicy: "bogus"}, Dependencies{
		Router:  routing.NewRouter("m", nil),
		Prompts: prompt.NewStore(0),
		Client:  &fakeClient{},
	})
	if err == nil {
		t.Fatal("expected error for unknown chart policy")
	}
}

func TestGenerateOverOllamaClient(t *testing.T) {
	pipeline := newOllamaPipeline(t, enabledConfig(), `{"response":"SELECT count(*) FROM emergency_calls;"}`, defaultSchema())
	result, err := pipeline.Generate(context.Background(), Request{Question: "how many calls?"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.SQL != "SELECT count(*) FROM emergency_calls;" {
		t.Fatalf("SQL = %q", result.SQL)
	}

	streamed := "{\"response\":\"SELECT \",\"done\":false}\n{\"response\":\"1;\",\"done\":true}\n"
	pipeline = newOllamaPipeline(t, enabledConfig(), streamed, defaultSchema())
	result, err = pipeline.Generate(context.Background(), Request{Question: "q"})
	if err != nil {
		t.Fatalf("Generate(streamed) error = %v", err)
	}
	if result.SQL != "SELECT 1;" {
		t.Fatalf("SQL = %q", result.SQL)
	}
}

func TestGenerateOverOllamaClientRejectsProse(t *testing.T) {
	pipeline := newOllamaPipeline(t, enabledConfig(), `{"response":"I don't know."}`, defaultSchema())
	_, err := pipeline.Generate(context.Background(), Request{Question: "who won the game?"})
	var invalid *InvalidGenerationError
	if !errors.As(err, &invalid) {
		t.Fatalf("Generate() error = %v, want InvalidGenerationError", err)
	}
	if invalid.Text != "I don't know." {
		t.Fatalf("Text = %q", invalid.Text)
	}
}

func TestGenerateOverOllamaClientMalformedBody(t *testing.T) {
	pipeline := newOllamaPipeline(t, enabledConfig(), "<html>bad gateway</html>", defaultSchema())
	_, err := pipeline.Generate(context.Background(), Request{Question: "q"})
	if Classify(err) != KindMalformedResponse {
		t.Fatalf("Classify(%v) = %q, want %q", err, Classify(err), KindMalformedResponse)
	}
}

func TestGenerateContextTimeoutIsFatal(t *testing.T) {
	cfg := enabledConfig()
	cfg.ContextTimeout = 50 * time.Millisecond
	client := &fakeClient{response: "SELECT 1"}
	pipeline := newTestPipeline(t, cfg, client, blockingSchema{})

	_, err := pipeline.Generate(context.Background(), Request{Question: "q"})
	var gather *ContextError
	if !errors.As(err, &gather) {
		t.Fatalf("Generate() error = %v, want ContextError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Generate() error = %v, want DeadlineExceeded", err)
	}
	if Classify(err) != KindTransport {
		t.Fatalf("Classify() = %q", Classify(err))
	}
	if len(client.requests) != 0 {
		t.Fatalf("client called %d times after context failure", len(client.requests))
	}
}
