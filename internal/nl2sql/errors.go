package nl2sql

import (
	"errors"
	"fmt"

	"github.com/callquery/callquery/internal/llm"
	"github.com/callquery/callquery/internal/prompt"
)

var ErrDisabled = errors.New("sql generation is disabled")

// InvalidGenerationError carries the cleaned model output that failed the
// shape check. Raw is the completion before cleaning.
type InvalidGenerationError struct {
	Text  string
	Raw   string
	Model string
	Task  llm.TaskType
}

func (e *InvalidGenerationError) Error() string {
	return fmt.Sprintf("model %s returned no recognizable SQL for task %s", e.Model, e.Task)
}

// ContextError wraps a warehouse failure while gathering prompt context.
type ContextError struct {
	Op  string
	Err error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("gather %s: %v", e.Op, e.Err)
}

func (e *ContextError) Unwrap() error {
	return e.Err
}

type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindTransport         Kind = "transport"
	KindMalformedResponse Kind = "malformed_response"
	KindTemplateConfig    Kind = "template_config"
	KindInvalidGeneration Kind = "invalid_generation"
	KindDisabled          Kind = "disabled"
)

func Classify(err error) Kind {
	var (
		transport *llm.TransportError
		gather    *ContextError
		malformed *llm.MalformedResponseError
		invalid   *InvalidGenerationError
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrDisabled):
		return KindDisabled
	case errors.As(err, &invalid):
		return KindInvalidGeneration
	case errors.Is(err, prompt.ErrTemplateConfig):
		return KindTemplateConfig
	case errors.As(err, &malformed):
		return KindMalformedResponse
	case errors.As(err, &transport), errors.As(err, &gather):
		return KindTransport
	default:
		return KindUnknown
	}
}
