package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/callquery/callquery/internal/conversation"
	"github.com/callquery/callquery/internal/llm"
)

type tableName string

func (t tableName) String() string { return "emergence." + string(t) }

func TestLoadFallsBackToQuery(t *testing.T) {
	store := NewStore(0)
	if got := store.Load("phi3-3.8b", llm.TaskNLP); got != "{query}" {
		t.Fatalf("Load(unknown model) = %q", got)
	}
	if got := store.Load("phi3:3.8b", llm.TaskNLP); got != "{query}" {
		t.Fatalf("Load(phi3, nlp) = %q", got)
	}
	if got := store.Load("qwen2.5-coder:7b", llm.TaskNLP); !strings.Contains(got, "{results}") {
		t.Fatalf("Load(qwen, nlp) = %q", got)
	}
}

func TestDefaultTemplatesCoverModels(t *testing.T) {
	store := NewStore(0)
	for _, model := range []string{"gpt-oss:20b", "qwen2.5-coder:7b", "qwen2.5-coder:3b", "sqlcoder:7b", "phi3:3.8b", "llama3.2:3b"} {
		for _, task := range []llm.TaskType{llm.TaskSQL, llm.TaskChart} {
			if got := store.Load(model, task); got == FallbackTemplate {
				t.Fatalf("Load(%s, %s) fell back", model, task)
			}
		}
	}
}

func TestFill(t *testing.T) {
	store := NewStore(0)
	got, err := store.Fill("Hello {query}", "world", nil)
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if got != "Hello world" {
		t.Fatalf("Fill() = %q", got)
	}
}

func TestFillIgnoresUnusedExtrasAndKeepsEscapes(t *testing.T) {
	store := NewStore(0)
	got, err := store.Fill(`{{"q": "{query}"}} from {table}`, "calls", map[string]any{
		"table":  tableName("emergency_calls"),
		"unused": "x",
		"query":  "ignored",
	})
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if got != `{"q": "calls"} from emergence.emergency_calls` {
		t.Fatalf("Fill() = %q", got)
	}
}

func TestFillMissingPlaceholder(t *testing.T) {
	store := NewStore(0)
	_, err := store.Fill("cols {columns} for {query}", "q", nil)
	var missing *MissingPlaceholderError
	if !errors.As(err, &missing) {
		t.Fatalf("Fill() error = %v, want MissingPlaceholderError", err)
	}
	if missing.Name != "columns" {
		t.Fatalf("Name = %q", missing.Name)
	}
	if !errors.Is(err, ErrTemplateConfig) {
		t.Fatal("expected error to wrap ErrTemplateConfig")
	}
}

func TestFillSyntaxErrors(t *testing.T) {
	store := NewStore(0)
	for _, template := range []string{"open {query", "close }", "bad {not valid}"} {
		_, err := store.Fill(template, "q", nil)
		if !errors.Is(err, ErrTemplateConfig) {
			t.Fatalf("Fill(%q) error = %v", template, err)
		}
	}
}

func TestFillSerializesExtras(t *testing.T) {
	store := NewStore(2)
	rows := []map[string]any{{"n": 1}, {"n": 2}, {"n": 3}}
	got, err := store.Fill("{rows}|{cols}|{meta}|{count}", "q", map[string]any{
		"rows":  rows,
		"cols":  [3]string{"a", "b", "c"},
		"meta":  map[string]string{"city": "SF & Oakland"},
		"count": 7,
	})
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	want := `[{"n":1},{"n":2}]|["a","b"]|{"city":"SF & Oakland"}|7`
	if got != want {
		t.Fatalf("Fill() = %q, want %q", got, want)
	}
}

func TestRegisterOverridesTemplate(t *testing.T) {
	store := NewStore(0)
	store.Register("custom:1b", llm.TaskSQL, "SQL for {query}")
	if got := store.Load("custom:1b", llm.TaskSQL); got != "SQL for {query}" {
		t.Fatalf("Load() = %q", got)
	}
	if got := store.Load("custom:1b", llm.TaskChart); got != FallbackTemplate {
		t.Fatalf("Load(chart) = %q", got)
	}
}

func history() []conversation.Message {
	return []conversation.Message{
		{Role: conversation.RoleUser, Content: "hi"},
		{Role: conversation.RoleAssistant, Content: "hello"},
	}
}

func TestBuildWithHistoryPrependsWhenTemplateLacksSlot(t *testing.T) {
	store := NewStore(0)
	store.Register("m", llm.TaskSQL, "Q: {query}")
	got, err := store.BuildWithHistory("m", llm.TaskSQL, "count", history(), nil, nil)
	if err != nil {
		t.Fatalf("BuildWithHistory() error = %v", err)
	}
	if got != "user: hi\nassistant: hello\nQ: count" {
		t.Fatalf("BuildWithHistory() = %q", got)
	}
}

func TestBuildWithHistoryUsesSlot(t *testing.T) {
	store := NewStore(0)
	store.Register("m", llm.TaskSQL, "H[{history}] R[{results}] Q: {query}")
	got, err := store.BuildWithHistory("m", llm.TaskSQL, "count", history(), nil, nil)
	if err != nil {
		t.Fatalf("BuildWithHistory() error = %v", err)
	}
	if got != "H[user: hi\nassistant: hello] R[] Q: count" {
		t.Fatalf("BuildWithHistory() = %q", got)
	}
}

func TestBuildWithHistoryEmptyHistory(t *testing.T) {
	store := NewStore(0)
	store.Register("m", llm.TaskNLP, "R: {results} Q: {query}")
	got, err := store.BuildWithHistory("m", llm.TaskNLP, "why", nil, []map[string]any{{"n": 1}}, nil)
	if err != nil {
		t.Fatalf("BuildWithHistory() error = %v", err)
	}
	if got != `R: [{"n":1}] Q: why` {
		t.Fatalf("BuildWithHistory() = %q", got)
	}
}

func TestBuildWithHistoryEscapedSlotDoesNotCount(t *testing.T) {
	store := NewStore(0)
	store.Register("m", llm.TaskSQL, "{{history}} {query}")
	got, err := store.BuildWithHistory("m", llm.TaskSQL, "q", history(), nil, nil)
	if err != nil {
		t.Fatalf("BuildWithHistory() error = %v", err)
	}
	if got != "user: hi\nassistant: hello\n{history} q" {
		t.Fatalf("BuildWithHistory() = %q", got)
	}
}

func TestBuildWithHistoryDefaultSQLTemplateNeedsContext(t *testing.T) {
	store := NewStore(0)
	_, err := store.BuildWithHistory("qwen2.5-coder:7b", llm.TaskSQL, "q", nil, nil, nil)
	if !errors.Is(err, ErrTemplateConfig) {
		t.Fatalf("BuildWithHistory() error = %v", err)
	}

	got, err := store.BuildWithHistory("qwen2.5-coder:7b", llm.TaskSQL, "how many calls?", history(), nil, map[string]any{
		"table":   "emergence.emergency_calls",
		"columns": []string{"call_number", "unit_id"},
		"schema":  "emergence.emergency_calls(call_number text, unit_id text)",
		"samples": []map[string]any{},
	})
	if err != nil {
		t.Fatalf("BuildWithHistory() error = %v", err)
	}
	if !strings.Contains(got, "-- Question: how many calls?") || !strings.Contains(got, `["call_number","unit_id"]`) {
		t.Fatalf("BuildWithHistory() = %q", got)
	}
	if strings.HasPrefix(got, "user: hi") {
		t.Fatal("history should be inlined, not prepended")
	}
}
