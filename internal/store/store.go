// Package store provides conversation persistence backends. All of them
// implement conversation.Store; the deployment picks a durable one (SQLite,
// Postgres, Redis) or the in-memory store.
package store

import (
	"errors"
	"time"

	"github.com/sr198/motion-by-aiselu/internal/conversation"
	"github.com/sr198/motion-by-aiselu/internal/metrics"
)

// ErrNotFound is returned when a conversation id is unknown.
var ErrNotFound = errors.New("conversation not found")

// Interface compliance for every backend.
var (
	_ conversation.Store = (*MemoryStore)(nil)
	_ conversation.Store = (*SQLiteStore)(nil)
	_ conversation.Store = (*PostgresStore)(nil)
	_ conversation.Store = (*RedisStore)(nil)
)

// observe records store operation latency.
func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
