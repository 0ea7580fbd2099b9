package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sr198/motion-by-aiselu/internal/conversation"
)

// MemoryStore is a mutex-guarded map store for tests and unpersisted
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*conversation.Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*conversation.Session)}
}

func copySession(s *conversation.Session) *conversation.Session {
	out := *s
	out.Messages = make([]conversation.ChatMessage, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}

// Save stores a snapshot of the session and returns its id.
func (m *MemoryStore) Save(_ context.Context, s *conversation.Session) (string, error) {
	defer observe("save", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID.String()] = copySession(s)
	return s.ID.String(), nil
}

// Update overwrites the stored session. Unknown sessions are stored anyway;
// the caller's log is the source of truth.
func (m *MemoryStore) Update(_ context.Context, s *conversation.Session) error {
	defer observe("update", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID.String()] = copySession(s)
	return nil
}

// Load retrieves a session by id.
func (m *MemoryStore) Load(_ context.Context, id string) (*conversation.Session, error) {
	defer observe("load", time.Now())
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// Delete removes a session.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	defer observe("delete", time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Search returns summaries of conversations whose title or message content
// contains the query, case-insensitively.
func (m *MemoryStore) Search(_ context.Context, query string) ([]conversation.Summary, error) {
	defer observe("search", time.Now())
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(query)
	var out []conversation.Summary
	for _, s := range m.sessions {
		if matchesQuery(s, q) {
			out = append(out, s.Summarize())
		}
	}
	sortSummaries(out)
	return out, nil
}

func matchesQuery(s *conversation.Session, q string) bool {
	if strings.Contains(strings.ToLower(s.Title()), q) {
		return true
	}
	for _, msg := range s.Messages {
		if strings.Contains(strings.ToLower(msg.Content), q) {
			return true
		}
	}
	return false
}

// ListAll returns all summaries, most recently updated first.
func (m *MemoryStore) ListAll(_ context.Context) ([]conversation.Summary, error) {
	defer observe("list", time.Now())
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]conversation.Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

func sortSummaries(sums []conversation.Summary) {
	sort.Slice(sums, func(i, j int) bool {
		return sums[i].UpdatedAt.After(sums[j].UpdatedAt)
	})
}

// Close implements the backend lifecycle; nothing to release.
func (m *MemoryStore) Close() {}
