package nl2sql

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callquery/callquery/internal/llm"
	"github.com/callquery/callquery/internal/observability"
	"github.com/callquery/callquery/internal/prompt"
	"github.com/callquery/callquery/internal/routing"
	"github.com/callquery/callquery/internal/warehouse"
)

type ChartPolicy string

const (
	ChartPolicyTemplate ChartPolicy = "template"
	ChartPolicySuffix   ChartPolicy = "suffix"
)

type Config struct {
	Enabled        bool
	Schema         string
	Table          string
	SampleRows     int
	ContextTimeout time.Duration
	Stream         bool
	ChartPolicy    ChartPolicy
	ChartSuffix    string
}

// SchemaSource is the part of the warehouse the pipeline reads prompt context
// from.
type SchemaSource interface {
	TableColumns(ctx context.Context, schema, table string) ([]string, error)
	RandomRows(ctx context.Context, schema, table string, limit int) ([]warehouse.Row, error)
	DescribeSchema(ctx context.Context) (string, error)
}

type Dependencies struct {
	Router  *routing.Router
	Prompts *prompt.Store
	Client  llm.Client
	Schema  SchemaSource
	Logger  *slog.Logger
}

type Pipeline struct {
	cfg     Config
	router  *routing.Router
	prompts *prompt.Store
	client  llm.Client
	schema  SchemaSource
	logger  *slog.Logger
}

func NewPipeline(cfg Config, deps Dependencies) (*Pipeline, error) {
	if deps.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if deps.Prompts == nil {
		return nil, fmt.Errorf("prompt store is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.ChartPolicy == "" {
		cfg.ChartPolicy = ChartPolicyTemplate
	}
	if cfg.ChartPolicy != ChartPolicyTemplate && cfg.ChartPolicy != ChartPolicySuffix {
		return nil, fmt.Errorf("unknown chart policy %q", cfg.ChartPolicy)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		cfg:     cfg,
		router:  deps.Router,
		prompts: deps.Prompts,
		client:  deps.Client,
		schema:  deps.Schema,
		logger:  logger,
	}, nil
}

func (p *Pipeline) Generate(ctx context.Context, req Request) (Result, error) {
	return p.run(ctx, llm.TaskSQL, llm.TaskSQL, req)
}

// Translate is Generate under the Translator interface.
func (p *Pipeline) Translate(ctx context.Context, req Request) (Result, error) {
	return p.Generate(ctx, req)
}

func (p *Pipeline) GenerateChartSQL(ctx context.Context, req Request) (Result, error) {
	if p.cfg.ChartPolicy == ChartPolicySuffix {
		req.Question += p.cfg.ChartSuffix
		return p.run(ctx, llm.TaskChart, llm.TaskSQL, req)
	}
	return p.run(ctx, llm.TaskChart, llm.TaskChart, req)
}

// Answer turns query rows into a natural-language reply. The completion is
// returned trimmed, with no SQL shape check.
func (p *Pipeline) Answer(ctx context.Context, req AnswerRequest) (string, error) {
	task := llm.TaskNLP
	if !p.cfg.Enabled {
		observability.ObserveGeneration(string(task), string(KindDisabled))
		return "", ErrDisabled
	}
	model := p.resolveModel(task, req.Model, req.UserID)
	if !hasPlaceholder(p.prompts.Load(model, task), "results") {
		p.logger.WarnContext(ctx, "answer_template_without_results",
			slog.String("model", model),
			slog.String("task", string(task)),
		)
	}
	text, err := p.prompts.BuildWithHistory(model, task, req.Question, req.History, req.Rows, nil)
	if err != nil {
		return "", p.fail(ctx, task, model, time.Now(), err)
	}
	start := time.Now()
	completion, err := p.complete(ctx, model, text)
	if err != nil {
		return "", p.fail(ctx, task, model, start, err)
	}
	observability.ObserveGeneration(string(task), "valid")
	p.logger.InfoContext(ctx, "answer_generated",
		slog.String("model", model),
		slog.String("task", string(task)),
		slog.Duration("duration", time.Since(start)),
	)
	return strings.TrimSpace(completion.Response), nil
}

// run walks routing, context gathering, prompting, the LLM call and SQL
// extraction. routeTask picks the model, templateTask picks the template.
func (p *Pipeline) run(ctx context.Context, routeTask, templateTask llm.TaskType, req Request) (Result, error) {
	if !p.cfg.Enabled {
		observability.ObserveGeneration(string(routeTask), string(KindDisabled))
		return Result{}, ErrDisabled
	}
	start := time.Now()
	model := p.resolveModel(routeTask, req.Model, req.UserID)

	template := p.prompts.Load(model, templateTask)
	extras, err := p.gatherContext(ctx, template)
	if err != nil {
		return Result{}, p.fail(ctx, routeTask, model, start, err)
	}

	text, err := p.prompts.BuildWithHistory(model, templateTask, req.Question, req.History, nil, extras)
	if err != nil {
		return Result{}, p.fail(ctx, routeTask, model, start, err)
	}

	completion, err := p.complete(ctx, model, text)
	if err != nil {
		return Result{}, p.fail(ctx, routeTask, model, start, err)
	}

	sql := Clean(completion.Response)
	if !IsValidShape(sql) {
		observability.ObserveGeneration(string(routeTask), string(KindInvalidGeneration))
		p.logger.WarnContext(ctx, "generation_invalid",
			slog.String("model", model),
			slog.String("task", string(routeTask)),
			slog.Duration("duration", time.Since(start)),
			slog.String("text", sql),
		)
		return Result{}, &InvalidGenerationError{Text: sql, Raw: completion.Response, Model: model, Task: routeTask}
	}

	observability.ObserveGeneration(string(routeTask), "valid")
	p.logger.InfoContext(ctx, "generation_valid",
		slog.String("model", model),
		slog.String("task", string(routeTask)),
		slog.Duration("duration", time.Since(start)),
		slog.Int("chunks", completion.Chunks),
	)
	return Result{SQL: sql, Model: model, Task: routeTask}, nil
}

func (p *Pipeline) resolveModel(task llm.TaskType, override, userID string) string {
	if model := strings.TrimSpace(override); model != "" {
		return model
	}
	return p.router.Route(task, userID)
}

func (p *Pipeline) complete(ctx context.Context, model, text string) (llm.Completion, error) {
	start := time.Now()
	completion, err := p.client.Complete(ctx, llm.CompletionRequest{Model: model, Prompt: text, Stream: p.cfg.Stream})
	observability.ObserveLLMLatency(model, time.Since(start))
	return completion, err
}

// gatherContext fetches only the warehouse context the template asks for.
// The three lookups run concurrently under ContextTimeout.
func (p *Pipeline) gatherContext(ctx context.Context, template string) (map[string]any, error) {
	wanted := map[string]bool{}
	for _, name := range prompt.Placeholders(template) {
		wanted[name] = true
	}
	extras := map[string]any{"table": p.cfg.Table}
	if p.cfg.Schema != "" {
		extras["table"] = p.cfg.Schema + "." + p.cfg.Table
	}
	if !wanted["columns"] && !wanted["schema"] && !wanted["samples"] {
		return extras, nil
	}
	if p.schema == nil {
		return nil, &ContextError{Op: "schema", Err: fmt.Errorf("no warehouse configured")}
	}

	if p.cfg.ContextTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ContextTimeout)
		defer cancel()
	}

	var (
		columns     []string
		description string
		samples     []warehouse.Row
	)
	group, groupCtx := errgroup.WithContext(ctx)
	if wanted["columns"] {
		group.Go(func() error {
			var err error
			columns, err = p.schema.TableColumns(groupCtx, p.cfg.Schema, p.cfg.Table)
			if err != nil {
				return &ContextError{Op: "columns", Err: err}
			}
			return nil
		})
	}
	if wanted["schema"] {
		group.Go(func() error {
			var err error
			description, err = p.schema.DescribeSchema(groupCtx)
			if err != nil {
				return &ContextError{Op: "schema", Err: err}
			}
			return nil
		})
	}
	if wanted["samples"] {
		group.Go(func() error {
			var err error
			samples, err = p.schema.RandomRows(groupCtx, p.cfg.Schema, p.cfg.Table, p.cfg.SampleRows)
			if err != nil {
				return &ContextError{Op: "samples", Err: err}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if wanted["columns"] {
		extras["columns"] = strings.Join(columns, ", ")
	}
	if wanted["schema"] {
		extras["schema"] = description
	}
	if wanted["samples"] {
		if samples == nil {
			samples = []warehouse.Row{}
		}
		extras["samples"] = samples
	}
	return extras, nil
}

func hasPlaceholder(template, name string) bool {
	for _, placeholder := range prompt.Placeholders(template) {
		if placeholder == name {
			return true
		}
	}
	return false
}

func (p *Pipeline) fail(ctx context.Context, task llm.TaskType, model string, start time.Time, err error) error {
	kind := Classify(err)
	observability.ObserveGeneration(string(task), string(kind))
	p.logger.ErrorContext(ctx, "generation_failed",
		slog.String("model", model),
		slog.String("task", string(task)),
		slog.String("kind", string(kind)),
		slog.Duration("duration", time.Since(start)),
		slog.String("error", err.Error()),
	)
	return err
}
