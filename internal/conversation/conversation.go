package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/callquery/callquery/internal/observability"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	DefaultSummaryChars = 200
	summaryPlaceholder  = "..."
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists per-user message logs. AppendPair must make both messages
// visible together or not at all.
type Store interface {
	AppendPair(ctx context.Context, userID string, user, assistant Message) error
	History(ctx context.Context, userID string) ([]Message, error)
	Reset(ctx context.Context, userID string) error
}

type Context struct {
	store Store
	now   func() time.Time
}

type Option func(*Context)

func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		if now != nil {
			c.now = now
		}
	}
}

func NewContext(store Store, opts ...Option) *Context {
	c := &Context{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Context) Record(ctx context.Context, userID, query, response string) error {
	now := c.now()
	user := Message{Role: RoleUser, Content: query, Timestamp: now}
	assistant := Message{Role: RoleAssistant, Content: response, Timestamp: now}
	if err := c.store.AppendPair(ctx, userID, user, assistant); err != nil {
		return fmt.Errorf("record exchange for %s: %w", userID, err)
	}
	observability.IncrementConversationRecords()
	return nil
}

func (c *Context) History(ctx context.Context, userID string) ([]Message, error) {
	history, err := c.store.History(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", userID, err)
	}
	if history == nil {
		history = []Message{}
	}
	return history, nil
}

func (c *Context) Summarize(ctx context.Context, userID string, maxChars int) (string, error) {
	history, err := c.History(ctx, userID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(history))
	for _, message := range history {
		parts = append(parts, string(message.Role)+": "+message.Content)
	}
	return Shorten(strings.Join(parts, " "), maxChars), nil
}

func (c *Context) Reset(ctx context.Context, userID string) error {
	if err := c.store.Reset(ctx, userID); err != nil {
		return fmt.Errorf("reset history for %s: %w", userID, err)
	}
	return nil
}

// Shorten collapses whitespace and, when the text is longer than maxChars
// runes, keeps as many whole words as fit alongside a trailing "...".
func Shorten(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	words := strings.Fields(text)
	collapsed := strings.Join(words, " ")
	if utf8.RuneCountInString(collapsed) <= maxChars {
		return collapsed
	}

	placeholderLen := utf8.RuneCountInString(summaryPlaceholder)
	if maxChars < placeholderLen {
		return string([]rune(summaryPlaceholder)[:maxChars])
	}

	var kept strings.Builder
	keptLen := 0
	for _, word := range words {
		wordLen := utf8.RuneCountInString(word)
		next := keptLen + wordLen
		if keptLen > 0 {
			next++
		}
		if next+placeholderLen > maxChars {
			break
		}
		if keptLen > 0 {
			kept.WriteByte(' ')
		}
		kept.WriteString(word)
		keptLen = next
	}
	return kept.String() + summaryPlaceholder
}
