package api

import (
	"net/http"
	"strings"

	"github.com/callquery/callquery/internal/auth"
	"github.com/callquery/callquery/internal/llm"
)

type selectModelRequest struct {
	TaskType string `json:"task_type"`
	UserID   string `json:"user_id"`
}

type preferenceRequest struct {
	UserID string `json:"user_id"`
	Model  string `json:"model"`
}

func handleSelectModel(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Router == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ROUTER_NOT_CONFIGURED", "model router is not configured", false, nil)
		return
	}

	var req selectModelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid model request body", false, map[string]any{"details": err.Error()})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = userFromRequest(r)
	}
	task := llm.TaskType(strings.TrimSpace(req.TaskType))
	writeJSON(w, http.StatusOK, map[string]any{
		"model":     deps.Router.Route(task, userID),
		"task_type": task,
		"user_id":   userID,
	})
}

func handleListModels(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Router == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ROUTER_NOT_CONFIGURED", "model router is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":        deps.Router.ListModels(),
		"default_model": deps.Router.DefaultModel(),
	})
}

func handleSetPreference(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Router == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ROUTER_NOT_CONFIGURED", "model router is not configured", false, nil)
		return
	}

	var req preferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid preference request body", false, map[string]any{"details": err.Error()})
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MODEL_REQUIRED", "model is required", false, nil)
		return
	}

	current := userFromRequest(r)
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = current
	}
	if userID != current {
		if err := requireAnyRole(r, auth.RoleAdmin); err != nil {
			writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", "only admins may set another user's preference", false, nil)
			return
		}
	}

	deps.Router.AddUserPreference(userID, model)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "model": model})
}
