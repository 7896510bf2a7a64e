package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/callquery/callquery/internal/conversation"
	goredis "github.com/go-redis/redis/v8"
)

const DefaultPrefix = "callquery:history:"

// Store keeps one Redis list per user. Each element is a JSON encoded message.
type Store struct {
	client *goredis.Client
	prefix string
}

func NewStore(ctx context.Context, client *goredis.Client, prefix string) (*Store, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) key(userID string) string {
	return s.prefix + userID
}

func (s *Store) AppendPair(ctx context.Context, userID string, user, assistant conversation.Message) error {
	userData, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	assistantData, err := json.Marshal(assistant)
	if err != nil {
		return fmt.Errorf("marshal assistant message: %w", err)
	}

	key := s.key(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, userData)
		pipe.RPush(ctx, key, assistantData)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, userID string) ([]conversation.Message, error) {
	items, err := s.client.LRange(ctx, s.key(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]conversation.Message, 0, len(items))
	for _, item := range items {
		var message conversation.Message
		if err := json.Unmarshal([]byte(item), &message); err != nil {
			return nil, fmt.Errorf("unmarshal history entry: %w", err)
		}
		out = append(out, message)
	}
	return out, nil
}

func (s *Store) Reset(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}
