package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/callquery/callquery/internal/auth"
	"github.com/callquery/callquery/internal/conversation"
	"github.com/callquery/callquery/internal/jsonrpc"
	"github.com/callquery/callquery/internal/nl2sql"
	"github.com/callquery/callquery/internal/report"
	"github.com/callquery/callquery/internal/warehouse"
)

type generateRequest struct {
	Question string `json:"question"`
	Model    string `json:"model"`
	Chart    bool   `json:"chart"`
	ID       string `json:"id"`
}

type executeRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit"`
}

type queryResult struct {
	Columns    []string        `json:"columns"`
	Rows       []warehouse.Row `json:"rows"`
	DurationMs int64           `json:"duration_ms"`
}

type askResult struct {
	SQL            string                    `json:"sql"`
	Model          string                    `json:"model"`
	Task           string                    `json:"task"`
	Columns        []string                  `json:"columns"`
	Rows           []warehouse.Row           `json:"rows"`
	Answer         string                    `json:"answer"`
	Summary        string                    `json:"summary"`
	GeoJSON        *report.FeatureCollection `json:"geojson,omitempty"`
	AnswerFallback bool                      `json:"answer_fallback"`
}

// apiError is a failure the HTTP and websocket surfaces render differently.
type apiError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
	Extra     map[string]any
}

func (e *apiError) write(r *http.Request, w http.ResponseWriter) {
	writeError(r.Context(), w, e.Status, e.Code, e.Message, e.Retryable, e.Extra)
}

func handleGenerateSQL(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATION_NOT_CONFIGURED", "sql generation is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleAsker, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid sql request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	userID := userFromRequest(r)
	history := loadHistory(r.Context(), deps, userID)
	result, err := generate(r.Context(), deps, nl2sql.Request{
		Question: req.Question,
		Model:    req.Model,
		UserID:   userID,
		History:  history,
	}, req.Chart)
	if err != nil {
		generationError(err).write(r, w)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleExecute(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Warehouse == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "WAREHOUSE_NOT_CONFIGURED", "warehouse is not configured", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleExecutor, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid execute request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if !nl2sql.IsReadOnly(req.SQL) {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_NOT_ALLOWED", "only read-only SELECT/WITH queries are allowed", false, nil)
		return
	}

	result, err := deps.Warehouse.Execute(r.Context(), warehouse.Request{SQL: req.SQL, RowLimit: rowLimit(deps, req.RowLimit)})
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, queryResult{
		Columns:    result.Columns,
		Rows:       result.Rows,
		DurationMs: result.Duration.Milliseconds(),
	})
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generator == nil || deps.Warehouse == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "generation and warehouse dependencies are required", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleAsker, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}

	result, apiErr := runAsk(r.Context(), deps, userFromRequest(r), req)
	if apiErr != nil {
		apiErr.write(r, w)
		return
	}
	id := req.ID
	if id == "" {
		id = jsonrpc.NewID()
	}
	writeJSON(w, http.StatusOK, jsonrpc.NewResponse(result, id))
}

// runAsk generates SQL for a question, executes it, phrases an answer and
// records the exchange in the user's conversation.
func runAsk(ctx context.Context, deps Dependencies, userID string, req generateRequest) (askResult, *apiError) {
	if strings.TrimSpace(req.Question) == "" {
		return askResult{}, &apiError{Status: http.StatusBadRequest, Code: "QUESTION_REQUIRED", Message: "question is required"}
	}
	if deps.AskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deps.AskTimeout)
		defer cancel()
	}

	history := loadHistory(ctx, deps, userID)
	generated, err := generate(ctx, deps, nl2sql.Request{
		Question: req.Question,
		Model:    req.Model,
		UserID:   userID,
		History:  history,
	}, req.Chart)
	if err != nil {
		return askResult{}, generationError(err)
	}
	if !nl2sql.IsReadOnly(generated.SQL) {
		return askResult{}, &apiError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "SQL_NOT_ALLOWED",
			Message: "generated sql is not a read-only query",
			Extra:   map[string]any{"sql": generated.SQL, "model": generated.Model},
		}
	}

	rows, err := deps.Warehouse.Execute(ctx, warehouse.Request{SQL: generated.SQL, RowLimit: rowLimit(deps, 0)})
	if errors.Is(err, context.DeadlineExceeded) {
		return askResult{}, &apiError{
			Status:    http.StatusGatewayTimeout,
			Code:      "QUERY_TIMEOUT",
			Message:   "generated sql did not finish in time",
			Retryable: true,
			Extra:     map[string]any{"sql": generated.SQL},
		}
	}
	if err != nil {
		return askResult{}, &apiError{
			Status:    http.StatusBadGateway,
			Code:      "QUERY_FAILED",
			Message:   "generated sql failed to execute",
			Retryable: false,
			Extra:     map[string]any{"sql": generated.SQL, "details": err.Error()},
		}
	}

	result := askResult{
		SQL:     generated.SQL,
		Model:   generated.Model,
		Task:    string(generated.Task),
		Columns: rows.Columns,
		Rows:    rows.Rows,
		Summary: report.Summarize(rows),
		GeoJSON: report.GeoJSON(rows),
	}

	// The request model overrides SQL generation only; the answer routes by task.
	answer, err := deps.Generator.Answer(ctx, nl2sql.AnswerRequest{
		Question: req.Question,
		UserID:   userID,
		History:  history,
		Rows:     rows.Rows,
	})
	if err != nil {
		if deps.AnswerFallback == AnswerFallbackEmpty {
			answer = ""
		} else {
			answer = result.Summary
		}
		result.AnswerFallback = true
		logWarn(ctx, deps, "answer_fallback",
			slog.String("user_id", userID),
			slog.String("kind", string(nl2sql.Classify(err))),
			slog.String("error", err.Error()),
		)
	}
	result.Answer = answer

	if deps.Conversation != nil {
		response := answer
		if response == "" {
			response = generated.SQL
		}
		if err := deps.Conversation.Record(ctx, userID, req.Question, response); err != nil {
			logWarn(ctx, deps, "conversation_record_failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	return result, nil
}

func generate(ctx context.Context, deps Dependencies, req nl2sql.Request, chart bool) (nl2sql.Result, error) {
	if chart {
		return deps.Generator.GenerateChartSQL(ctx, req)
	}
	return deps.Generator.Generate(ctx, req)
}

// loadHistory returns nil on failure; a missing history only degrades the prompt.
func loadHistory(ctx context.Context, deps Dependencies, userID string) []conversation.Message {
	if deps.Conversation == nil {
		return nil
	}
	history, err := deps.Conversation.History(ctx, userID)
	if err != nil {
		logWarn(ctx, deps, "conversation_history_failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return history
}

func generationError(err error) *apiError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &apiError{Status: http.StatusGatewayTimeout, Code: "GENERATION_TIMEOUT", Message: "sql generation timed out", Retryable: true}
	}

	var gather *nl2sql.ContextError
	if errors.As(err, &gather) {
		return &apiError{
			Status:    http.StatusBadGateway,
			Code:      "WAREHOUSE_UNAVAILABLE",
			Message:   "failed to gather schema context",
			Retryable: true,
			Extra:     map[string]any{"details": err.Error()},
		}
	}

	switch nl2sql.Classify(err) {
	case nl2sql.KindDisabled:
		return &apiError{Status: http.StatusServiceUnavailable, Code: "GENERATION_DISABLED", Message: "sql generation is disabled"}
	case nl2sql.KindTransport:
		return &apiError{Status: http.StatusBadGateway, Code: "LLM_UNAVAILABLE", Message: "language model request failed", Retryable: true, Extra: map[string]any{"details": err.Error()}}
	case nl2sql.KindMalformedResponse:
		return &apiError{Status: http.StatusBadGateway, Code: "LLM_MALFORMED_RESPONSE", Message: "language model returned a malformed response", Retryable: true, Extra: map[string]any{"details": err.Error()}}
	case nl2sql.KindTemplateConfig:
		return &apiError{Status: http.StatusInternalServerError, Code: "TEMPLATE_MISCONFIGURED", Message: "prompt template is misconfigured", Extra: map[string]any{"details": err.Error()}}
	case nl2sql.KindInvalidGeneration:
		var invalid *nl2sql.InvalidGenerationError
		extra := map[string]any{}
		if errors.As(err, &invalid) {
			extra["text"] = invalid.Text
			extra["model"] = invalid.Model
		}
		return &apiError{Status: http.StatusUnprocessableEntity, Code: "INVALID_GENERATION", Message: "model output did not contain sql", Extra: extra}
	default:
		return &apiError{Status: http.StatusInternalServerError, Code: "GENERATION_FAILED", Message: "sql generation failed", Retryable: true, Extra: map[string]any{"details": err.Error()}}
	}
}

func rowLimit(deps Dependencies, requested int) int {
	limit := deps.ExecuteRowLimit
	if limit <= 0 {
		limit = defaultExecuteRowLimit
	}
	if requested > 0 && requested < limit {
		return requested
	}
	return limit
}

func logWarn(ctx context.Context, deps Dependencies, msg string, attrs ...slog.Attr) {
	if deps.Logger == nil {
		return
	}
	deps.Logger.LogAttrs(ctx, slog.LevelWarn, msg, attrs...)
}
