package routing

import (
	"sort"
	"sync"

	"github.com/callquery/callquery/internal/llm"
)

// Router picks a model for a (task, user) pair. A user preference beats the
// task mapping, which beats the default model.
type Router struct {
	mu           sync.RWMutex
	defaultModel string
	tasks        map[llm.TaskType]string
	users        map[string]string
}

func NewRouter(defaultModel string, tasks map[llm.TaskType]string) *Router {
	r := &Router{
		defaultModel: defaultModel,
		tasks:        make(map[llm.TaskType]string, len(tasks)),
		users:        map[string]string{},
	}
	for task, model := range tasks {
		r.tasks[task] = model
	}
	return r
}

// NewRouterFromConfig builds a router from the parsed task=model table used in
// configuration.
func NewRouterFromConfig(defaultModel string, taskModels map[string]string) *Router {
	tasks := make(map[llm.TaskType]string, len(taskModels))
	for task, model := range taskModels {
		tasks[llm.TaskType(task)] = model
	}
	return NewRouter(defaultModel, tasks)
}

func (r *Router) Route(task llm.TaskType, userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if userID != "" {
		if model, ok := r.users[userID]; ok {
			return model
		}
	}
	if model, ok := r.tasks[task]; ok {
		return model
	}
	return r.defaultModel
}

func (r *Router) AddUserPreference(userID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = model
}

func (r *Router) SetTaskModel(task llm.TaskType, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task] = model
}

func (r *Router) DefaultModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultModel
}

// ListModels returns every model the router can hand out, sorted.
func (r *Router) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]struct{}{}
	if r.defaultModel != "" {
		seen[r.defaultModel] = struct{}{}
	}
	for _, model := range r.tasks {
		seen[model] = struct{}{}
	}
	for _, model := range r.users {
		seen[model] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for model := range seen {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}
