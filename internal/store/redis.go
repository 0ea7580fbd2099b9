package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sr198/motion-by-aiselu/internal/conversation"
)

const (
	// conversationIndexKey is the sorted set of conversation ids scored by
	// last-update time, newest first on reverse range.
	conversationIndexKey = "conversations:index"

	conversationKeyPrefix = "conversations:"
)

// RedisStore persists conversations as JSON blobs with a sorted-set index
// for recency-ordered listing.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func conversationKey(id string) string {
	return conversationKeyPrefix + id
}

func (s *RedisStore) write(ctx context.Context, sess *conversation.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	id := sess.ID.String()

	pipe := s.client.Pipeline()
	pipe.Set(ctx, conversationKey(id), data, 0)
	pipe.ZAdd(ctx, conversationIndexKey, redis.Z{
		Score:  float64(sess.UpdatedAt.UnixMilli()),
		Member: id,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Save stores the full session and returns its id.
func (s *RedisStore) Save(ctx context.Context, sess *conversation.Session) (string, error) {
	defer observe("save", time.Now())
	if err := s.write(ctx, sess); err != nil {
		return "", err
	}
	return sess.ID.String(), nil
}

// Update overwrites the stored session and refreshes its index score.
func (s *RedisStore) Update(ctx context.Context, sess *conversation.Session) error {
	defer observe("update", time.Now())
	return s.write(ctx, sess)
}

// Load retrieves a session by id.
func (s *RedisStore) Load(ctx context.Context, id string) (*conversation.Session, error) {
	defer observe("load", time.Now())

	data, err := s.client.Get(ctx, conversationKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess conversation.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Delete removes a session and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	defer observe("delete", time.Now())

	pipe := s.client.Pipeline()
	pipe.Del(ctx, conversationKey(id))
	pipe.ZRem(ctx, conversationIndexKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Search returns summaries of conversations whose title or message content
// contains the query, case-insensitively, most recently updated first.
func (s *RedisStore) Search(ctx context.Context, query string) ([]conversation.Summary, error) {
	defer observe("search", time.Now())

	q := strings.ToLower(query)
	var out []conversation.Summary
	err := s.forEach(ctx, func(sess *conversation.Session) {
		if matchesQuery(sess, q) {
			out = append(out, sess.Summarize())
		}
	})
	return out, err
}

// ListAll returns all conversation summaries, most recently updated first.
func (s *RedisStore) ListAll(ctx context.Context) ([]conversation.Summary, error) {
	defer observe("list", time.Now())

	var out []conversation.Summary
	err := s.forEach(ctx, func(sess *conversation.Session) {
		out = append(out, sess.Summarize())
	})
	return out, err
}

// forEach visits stored sessions in index order, newest first. Index entries
// whose blob is gone are skipped.
func (s *RedisStore) forEach(ctx context.Context, fn func(*conversation.Session)) error {
	ids, err := s.client.ZRevRange(ctx, conversationIndexKey, 0, -1).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		data, err := s.client.Get(ctx, conversationKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}

		var sess conversation.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		fn(&sess)
	}
	return nil
}
