package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/callquery/callquery/internal/auth"
	"github.com/callquery/callquery/internal/conversation"
)

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := historyUser(deps, w, r)
	if !ok {
		return
	}
	history, err := deps.Conversation.History(r.Context(), userID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_UNAVAILABLE", "failed to load conversation history", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "messages": history})
}

func handleHistorySummary(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := historyUser(deps, w, r)
	if !ok {
		return
	}
	maxChars := conversation.DefaultSummaryChars
	if raw := strings.TrimSpace(r.URL.Query().Get("max_chars")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_MAX_CHARS", "max_chars must be a positive integer", false, nil)
			return
		}
		maxChars = parsed
	}
	summary, err := deps.Conversation.Summarize(r.Context(), userID, maxChars)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_UNAVAILABLE", "failed to summarize conversation history", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "summary": summary, "max_chars": maxChars})
}

func handleResetHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := historyUser(deps, w, r)
	if !ok {
		return
	}
	if err := deps.Conversation.Reset(r.Context(), userID); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_UNAVAILABLE", "failed to reset conversation history", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "reset": true})
}

// historyUser resolves the target of a history request. Reading someone
// else's conversation takes the admin role.
func historyUser(deps Dependencies, w http.ResponseWriter, r *http.Request) (string, bool) {
	if deps.Conversation == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "conversation history is not configured", false, nil)
		return "", false
	}
	current := userFromRequest(r)
	target := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if target == "" || target == current {
		return current, true
	}
	if err := requireAnyRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", "only admins may access another user's history", false, nil)
		return "", false
	}
	return target, true
}
