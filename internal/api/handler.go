package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callquery/callquery/internal/config"
	"github.com/callquery/callquery/internal/conversation"
	"github.com/callquery/callquery/internal/nl2sql"
	"github.com/callquery/callquery/internal/observability"
	"github.com/callquery/callquery/internal/prompt"
	"github.com/callquery/callquery/internal/routing"
	"github.com/callquery/callquery/internal/warehouse"
)

type ReadinessCheck func(ctx context.Context) error

// Generator is the SQL generation pipeline as seen by the HTTP layer.
type Generator interface {
	Generate(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error)
	GenerateChartSQL(ctx context.Context, req nl2sql.Request) (nl2sql.Result, error)
	Answer(ctx context.Context, req nl2sql.AnswerRequest) (string, error)
}

type QueryRunner interface {
	Execute(ctx context.Context, req warehouse.Request) (warehouse.Result, error)
	DescribeSchema(ctx context.Context) (string, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Router            *routing.Router
	Prompts           *prompt.Store
	Generator         Generator
	Warehouse         QueryRunner
	Conversation      *conversation.Context
	Limiter           *RateLimiter
	ExecuteRowLimit   int
	AnswerFallback    string
	AskTimeout        time.Duration
	SocketOrigins     []string
}

const (
	AnswerFallbackSummary = "summary"
	AnswerFallbackEmpty   = "empty"

	defaultExecuteRowLimit = 1000
)

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	origins := config.SplitList(cfg.HTTP.CORSOrigins)
	if deps.SocketOrigins == nil {
		deps.SocketOrigins = socketOriginPatterns(origins)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(observability.TraceMiddleware)
	r.Use(observability.MetricsMiddleware)
	if deps.Logger != nil {
		r.Use(observability.LoggingMiddleware(deps.Logger))
	}
	r.Use(CORS(origins))

	r.Get("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	r.Get("/v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	r.Method(http.MethodGet, "/v1/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		switch {
		case deps.AuthMiddleware != nil:
			protected.Use(deps.AuthMiddleware)
		case cfg.Auth.Required:
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protected.Use(func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
				})
			})
		}

		protected.Post("/v1/model", func(w http.ResponseWriter, r *http.Request) {
			handleSelectModel(deps, w, r)
		})
		protected.Get("/v1/models", func(w http.ResponseWriter, r *http.Request) {
			handleListModels(deps, w, r)
		})
		protected.Post("/v1/models/preferences", func(w http.ResponseWriter, r *http.Request) {
			handleSetPreference(deps, w, r)
		})
		protected.Post("/v1/prompt", func(w http.ResponseWriter, r *http.Request) {
			handleBuildPrompt(deps, w, r)
		})
		protected.Post("/v1/query", func(w http.ResponseWriter, r *http.Request) {
			handleWrapQuery(w, r)
		})
		protected.Post("/v1/execute", func(w http.ResponseWriter, r *http.Request) {
			handleExecute(deps, w, r)
		})
		protected.Get("/v1/schema", func(w http.ResponseWriter, r *http.Request) {
			handleSchema(deps, w, r)
		})
		protected.Get("/v1/history", func(w http.ResponseWriter, r *http.Request) {
			handleHistory(deps, w, r)
		})
		protected.Get("/v1/history/summary", func(w http.ResponseWriter, r *http.Request) {
			handleHistorySummary(deps, w, r)
		})
		protected.Delete("/v1/history", func(w http.ResponseWriter, r *http.Request) {
			handleResetHistory(deps, w, r)
		})

		protected.Group(func(limited chi.Router) {
			if deps.Limiter != nil {
				limited.Use(deps.Limiter.Middleware)
			}
			limited.Post("/v1/sql", func(w http.ResponseWriter, r *http.Request) {
				handleGenerateSQL(deps, w, r)
			})
			limited.Post("/v1/ask", func(w http.ResponseWriter, r *http.Request) {
				handleAsk(deps, w, r)
			})
			limited.Get("/v1/ws/ask", func(w http.ResponseWriter, r *http.Request) {
				handleAskSocket(deps, w, r)
			})
		})
	})

	return r
}

// CheckWarehouse reports not-ready until the warehouse answers a ping.
func CheckWarehouse(pinger interface{ HealthCheck(context.Context) error }) ReadinessCheck {
	return func(ctx context.Context) error {
		if pinger == nil {
			return errors.New("warehouse is not configured")
		}
		return pinger.HealthCheck(ctx)
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, errorBody(ctx, code, message, retryable, extra))
}

func errorBody(ctx context.Context, code, message string, retryable bool, extra map[string]any) map[string]any {
	return map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	}
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
