package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/callquery/callquery/internal/jsonrpc"
	"github.com/callquery/callquery/internal/llm"
	"github.com/callquery/callquery/internal/prompt"
)

type buildPromptRequest struct {
	Model  string         `json:"model"`
	Task   string         `json:"task"`
	Query  string         `json:"query"`
	Extras map[string]any `json:"extras"`
}

type wrapQueryRequest struct {
	Query string `json:"query"`
	ID    string `json:"id"`
}

func handleBuildPrompt(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Prompts == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PROMPTS_NOT_CONFIGURED", "prompt templates are not configured", false, nil)
		return
	}

	var req buildPromptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid prompt request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.Task) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MODEL_AND_TASK_REQUIRED", "model and task are required", false, nil)
		return
	}

	template := deps.Prompts.Load(req.Model, llm.TaskType(req.Task))
	text, err := deps.Prompts.Fill(template, req.Query, req.Extras)
	if err != nil {
		extra := map[string]any{"details": err.Error(), "placeholders": prompt.Placeholders(template)}
		var missing *prompt.MissingPlaceholderError
		if errors.As(err, &missing) {
			extra["missing"] = missing.Name
		}
		writeError(r.Context(), w, http.StatusBadRequest, "PROMPT_FILL_FAILED", "template could not be filled", false, extra)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt": text})
}

func handleWrapQuery(w http.ResponseWriter, r *http.Request) {
	var req wrapQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, jsonrpc.NewRequest("query", map[string]any{"query": req.Query}, req.ID))
}
