package memory

import (
	"context"
	"sync"

	"github.com/callquery/callquery/internal/conversation"
)

type Store struct {
	mu      sync.Mutex
	history map[string][]conversation.Message
}

func NewStore() *Store {
	return &Store{history: map[string][]conversation.Message{}}
}

func (s *Store) AppendPair(_ context.Context, userID string, user, assistant conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[userID] = append(s.history[userID], user, assistant)
	return nil
}

func (s *Store) History(_ context.Context, userID string) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Message, len(s.history[userID]))
	copy(out, s.history[userID])
	return out, nil
}

func (s *Store) Reset(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, userID)
	return nil
}
