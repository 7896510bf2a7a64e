package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/callquery/callquery/internal/conversation"
	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS conversation_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_user ON conversation_messages(user_id, id);
`

// Store keeps conversation history in a SQLite file. Writes are serialized
// through mu to avoid SQLITE_BUSY under concurrent recorders.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates the parent directory when needed. ":memory:" keeps everything
// in a single in-process connection.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping conversation database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize conversation schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AppendPair(ctx context.Context, userID string, user, assistant conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `INSERT INTO conversation_messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	for _, message := range []conversation.Message{user, assistant} {
		if _, err := tx.ExecContext(ctx, insert, userID, string(message.Role), message.Content, message.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("insert %s message: %w", message.Role, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, userID string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM conversation_messages
		WHERE user_id = ?
		ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []conversation.Message{}
	for rows.Next() {
		var (
			role      string
			message   conversation.Message
			createdAt int64
		)
		if err := rows.Scan(&role, &message.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		message.Role = conversation.Role(role)
		message.Timestamp = time.Unix(0, createdAt).UTC()
		out = append(out, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

func (s *Store) Reset(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}
