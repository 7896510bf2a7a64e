package nl2sql

import (
	"context"

	"github.com/callquery/callquery/internal/conversation"
	"github.com/callquery/callquery/internal/llm"
)

type Request struct {
	Question string                 `json:"question"`
	Model    string                 `json:"model,omitempty"`
	UserID   string                 `json:"user_id,omitempty"`
	History  []conversation.Message `json:"history,omitempty"`
}

type Result struct {
	SQL   string       `json:"sql"`
	Model string       `json:"model"`
	Task  llm.TaskType `json:"task"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

type AnswerRequest struct {
	Question string
	Model    string
	UserID   string
	History  []conversation.Message
	Rows     any
}
