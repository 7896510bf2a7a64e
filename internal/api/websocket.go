package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/callquery/callquery/internal/auth"
	"github.com/callquery/callquery/internal/jsonrpc"
)

// handleAskSocket runs the ask flow once per message on a long-lived
// connection. Every message gets exactly one JSON-RPC response.
func handleAskSocket(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generator == nil || deps.Warehouse == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASK_NOT_CONFIGURED", "generation and warehouse dependencies are required", false, nil)
		return
	}
	if err := requireAnyRole(r, auth.RoleAsker, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	userID := userFromRequest(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: deps.SocketOrigins})
	if err != nil {
		logWarn(r.Context(), deps, "websocket_accept_failed", slog.String("error", err.Error()))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "session ended") }()

	ctx := r.Context()
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logWarn(ctx, deps, "websocket_read_failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			}
			return
		}

		response := socketResponse(ctx, deps, userID, payload)
		if err := wsjson.Write(ctx, conn, response); err != nil {
			logWarn(ctx, deps, "websocket_write_failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			return
		}
	}
}

func socketResponse(ctx context.Context, deps Dependencies, userID string, payload []byte) jsonrpc.Response {
	var req generateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return jsonrpc.NewErrorResponse(jsonrpc.NewID(), jsonrpc.CodeParseError, "invalid ask message", map[string]any{"details": err.Error()})
	}
	id := req.ID
	if id == "" {
		id = jsonrpc.NewID()
	}
	if deps.Limiter != nil && !deps.Limiter.Allow(userID) {
		return jsonrpc.NewErrorResponse(id, jsonrpc.CodeInternalError, "too many generation requests",
			errorBody(ctx, "RATE_LIMITED", "too many generation requests", true, map[string]any{"user_id": userID}))
	}

	result, apiErr := runAsk(ctx, deps, userID, req)
	if apiErr != nil {
		code := jsonrpc.CodeInternalError
		if apiErr.Status == http.StatusBadRequest {
			code = jsonrpc.CodeInvalidParams
		}
		return jsonrpc.NewErrorResponse(id, code, apiErr.Message,
			errorBody(ctx, apiErr.Code, apiErr.Message, apiErr.Retryable, apiErr.Extra))
	}
	return jsonrpc.NewResponse(result, id)
}

// socketOriginPatterns turns CORS origins into the host patterns the websocket
// handshake matches against.
func socketOriginPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			patterns = append(patterns, "*")
			continue
		}
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			patterns = append(patterns, origin)
			continue
		}
		patterns = append(patterns, parsed.Host)
	}
	return patterns
}
