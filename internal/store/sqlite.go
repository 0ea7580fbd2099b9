package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sr198/motion-by-aiselu/internal/conversation"
	"github.com/sr198/motion-by-aiselu/internal/protocol"
)

// SQLiteStore is the on-device durable conversation store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) the SQLite database.
// If dbPath is empty, defaults to "./data/motion.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/motion.db"
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		has_report INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		content TEXT NOT NULL,
		is_from_user INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		message_type TEXT,
		structured_data TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save writes the session and its messages, replacing any prior copy.
func (s *SQLiteStore) Save(ctx context.Context, sess *conversation.Session) (string, error) {
	defer observe("save", time.Now())
	if err := s.write(ctx, sess); err != nil {
		return "", err
	}
	return sess.ID.String(), nil
}

// Update rewrites the stored session. The live log is append-only, so a
// full message rewrite keeps the durable copy exactly in step with it.
func (s *SQLiteStore) Update(ctx context.Context, sess *conversation.Session) error {
	defer observe("update", time.Now())
	return s.write(ctx, sess)
}

func (s *SQLiteStore) write(ctx context.Context, sess *conversation.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	sum := sess.Summarize()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, message_count, has_report)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			has_report = excluded.has_report
	`, sum.ID.String(), sum.Title, sum.CreatedAt, sum.UpdatedAt, sum.MessageCount, boolToInt(sum.HasReport))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, sess.ID.String()); err != nil {
		return err
	}

	for i, msg := range sess.Messages {
		structured, err := encodeStructured(msg.Structured)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, content, is_from_user, timestamp, message_type, structured_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, sess.ID.String(), i, msg.Content, boolToInt(msg.IsFromUser), msg.Timestamp, nullString(string(msg.MessageType)), structured)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load retrieves a session with its messages in append order.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	defer observe("load", time.Now())

	sess := &conversation.Session{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE id = ?
	`, id).Scan(&idStr, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, is_from_user, timestamp, message_type, structured_data
		FROM messages WHERE conversation_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg conversation.ChatMessage
		var fromUser int
		var msgType, structured sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Content, &fromUser, &msg.Timestamp, &msgType, &structured); err != nil {
			return nil, err
		}
		msg.IsFromUser = fromUser != 0
		msg.MessageType = protocol.MessageType(msgType.String)
		if structured.Valid && structured.String != "" {
			var sm protocol.StructuredMessage
			if err := json.Unmarshal([]byte(structured.String), &sm); err == nil {
				msg.Structured = &sm
			}
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	defer observe("delete", time.Now())
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// Search matches the query against titles and message content.
func (s *SQLiteStore) Search(ctx context.Context, query string) ([]conversation.Summary, error) {
	defer observe("search", time.Now())

	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.id, c.title, c.created_at, c.updated_at, c.message_count, c.has_report
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.title LIKE ? OR m.content LIKE ?
		ORDER BY c.updated_at DESC
	`, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSummaries(rows)
}

// ListAll returns all conversation summaries, most recent first.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]conversation.Summary, error) {
	defer observe("list", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, message_count, has_report
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]conversation.Summary, error) {
	var out []conversation.Summary
	for rows.Next() {
		var sum conversation.Summary
		var idStr string
		var hasReport int
		if err := rows.Scan(&idStr, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount, &hasReport); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		sum.ID = id
		sum.HasReport = hasReport != 0
		out = append(out, sum)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeStructured(msg *protocol.StructuredMessage) (any, error) {
	if msg == nil {
		return nil, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
