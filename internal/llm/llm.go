package llm

import (
	"context"
	"fmt"
)

type TaskType string

const (
	TaskSQL   TaskType = "sql"
	TaskChart TaskType = "chart"
	TaskNLP   TaskType = "nlp"
)

type CompletionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Completion is one generation result. For streamed bodies Response holds the
// concatenation of every chunk and the remaining fields come from the last one.
type Completion struct {
	Model    string `json:"model,omitempty"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Chunks   int    `json:"-"`
}

type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// TransportError covers every failure to obtain a body from the endpoint:
// connection errors, timeouts and non-2xx statuses.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm endpoint returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("llm request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("llm response is not valid JSON: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
