package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sr198/motion-by-aiselu/internal/conversation"
	"github.com/sr198/motion-by-aiselu/internal/protocol"
)

// PostgresStore is the clinic-side durable conversation store, for
// deployments that sync dictation sessions off the device.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres store with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			message_count INT NOT NULL DEFAULT 0,
			has_report BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			content TEXT NOT NULL,
			is_from_user BOOLEAN NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			message_type TEXT,
			structured_data JSONB
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save writes the session and its messages, replacing any prior copy.
func (s *PostgresStore) Save(ctx context.Context, sess *conversation.Session) (string, error) {
	defer observe("save", time.Now())
	if err := s.write(ctx, sess); err != nil {
		return "", err
	}
	return sess.ID.String(), nil
}

// Update rewrites the stored session.
func (s *PostgresStore) Update(ctx context.Context, sess *conversation.Session) error {
	defer observe("update", time.Now())
	return s.write(ctx, sess)
}

func (s *PostgresStore) write(ctx context.Context, sess *conversation.Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	sum := sess.Summarize()
	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, message_count, has_report)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			updated_at = EXCLUDED.updated_at,
			message_count = EXCLUDED.message_count,
			has_report = EXCLUDED.has_report
	`, sum.ID, sum.Title, sum.CreatedAt, sum.UpdatedAt, sum.MessageCount, sum.HasReport)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_id = $1`, sess.ID); err != nil {
		return err
	}

	for i, msg := range sess.Messages {
		structured, err := encodeStructured(msg.Structured)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, conversation_id, seq, content, is_from_user, timestamp, message_type, structured_data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, msg.ID, sess.ID, i, msg.Content, msg.IsFromUser, msg.Timestamp, nullString(string(msg.MessageType)), structured)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Load retrieves a session with its messages in append order.
func (s *PostgresStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	defer observe("load", time.Now())

	sess := &conversation.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, created_at, updated_at FROM conversations WHERE id = $1
	`, id).Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, content, is_from_user, timestamp, message_type, structured_data
		FROM messages WHERE conversation_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg conversation.ChatMessage
		var msgType *string
		var structured []byte
		if err := rows.Scan(&msg.ID, &msg.Content, &msg.IsFromUser, &msg.Timestamp, &msgType, &structured); err != nil {
			return nil, err
		}
		if msgType != nil {
			msg.MessageType = protocol.MessageType(*msgType)
		}
		if len(structured) > 0 {
			var sm protocol.StructuredMessage
			if err := json.Unmarshal(structured, &sm); err == nil {
				msg.Structured = &sm
			}
		}
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	defer observe("delete", time.Now())
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	return err
}

// Search matches the query against titles and message content.
func (s *PostgresStore) Search(ctx context.Context, query string) ([]conversation.Summary, error) {
	defer observe("search", time.Now())

	pattern := "%" + query + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT c.id, c.title, c.created_at, c.updated_at, c.message_count, c.has_report
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.title ILIKE $1 OR m.content ILIKE $1
		ORDER BY c.updated_at DESC
	`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPgSummaries(rows)
}

// ListAll returns all conversation summaries, most recent first.
func (s *PostgresStore) ListAll(ctx context.Context) ([]conversation.Summary, error) {
	defer observe("list", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT id, title, created_at, updated_at, message_count, has_report
		FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPgSummaries(rows)
}

func scanPgSummaries(rows pgx.Rows) ([]conversation.Summary, error) {
	var out []conversation.Summary
	for rows.Next() {
		var sum conversation.Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt, &sum.MessageCount, &sum.HasReport); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
