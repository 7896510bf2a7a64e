package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/callquery/callquery/internal/conversation"
	"github.com/callquery/callquery/internal/llm"
)

const DefaultRowCap = 20

// Store resolves and fills prompt templates keyed by model and task.
type Store struct {
	mu        sync.RWMutex
	templates map[string]map[llm.TaskType]string
	rowCap    int
}

func NewStore(rowCap int) *Store {
	if rowCap <= 0 {
		rowCap = DefaultRowCap
	}
	return &Store{templates: defaultTemplates(), rowCap: rowCap}
}

func (s *Store) RowCap() int {
	return s.rowCap
}

// Load never fails: unknown models or tasks get FallbackTemplate.
func (s *Store) Load(model string, task llm.TaskType) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tasks, ok := s.templates[model]; ok {
		if template, ok := tasks[task]; ok {
			return template
		}
	}
	return FallbackTemplate
}

func (s *Store) Register(model string, task llm.TaskType, template string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks, ok := s.templates[model]
	if !ok {
		tasks = map[llm.TaskType]string{}
		s.templates[model] = tasks
	}
	tasks[task] = template
}

// Fill binds query to the question and every extra to its serialized form.
// Extras the template does not mention are ignored.
func (s *Store) Fill(template, question string, extras map[string]any) (string, error) {
	values := make(map[string]string, len(extras)+1)
	for name, value := range extras {
		if name == "query" {
			continue
		}
		text, err := stringify(value, s.rowCap)
		if err != nil {
			return "", fmt.Errorf("placeholder %s: %w", name, err)
		}
		values[name] = text
	}
	values["query"] = question
	return render(template, values)
}

// BuildWithHistory fills the (model, task) template with history and results
// bound. When the template has no {history} slot, non-empty history is
// prepended as its own block.
func (s *Store) BuildWithHistory(model string, task llm.TaskType, question string, history []conversation.Message, results any, extras map[string]any) (string, error) {
	template := s.Load(model, task)
	historyText := RenderHistory(history)

	merged := make(map[string]any, len(extras)+2)
	for name, value := range extras {
		merged[name] = value
	}
	merged["history"] = historyText
	if results == nil {
		merged["results"] = ""
	} else {
		merged["results"] = results
	}

	base, err := s.Fill(template, question, merged)
	if err != nil {
		return "", err
	}
	if historyText == "" || referencesPlaceholder(template, "history") {
		return base, nil
	}
	return historyText + "\n" + base, nil
}

func RenderHistory(history []conversation.Message) string {
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, 0, len(history))
	for _, message := range history {
		lines = append(lines, string(message.Role)+": "+message.Content)
	}
	return strings.Join(lines, "\n")
}
